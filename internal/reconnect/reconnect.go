package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Schedule defines the delays for successive attempts of the stepped policy.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the stepped delay for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Fixed retries on a constant interval forever.
func Fixed(interval time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(interval)
}

// Stepped walks Schedule and then settles on 30 seconds.
func Stepped() backoff.BackOff {
	return &stepped{}
}

type stepped struct {
	attempt int
}

func (s *stepped) NextBackOff() time.Duration {
	d := Delay(s.attempt)
	s.attempt++
	return d
}

func (s *stepped) Reset() { s.attempt = 0 }

// Policy returns the named policy; unknown names select Fixed.
func Policy(name string, interval time.Duration) backoff.BackOff {
	if name == "stepped" {
		return Stepped()
	}
	return Fixed(interval)
}
