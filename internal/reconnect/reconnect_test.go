package reconnect

import (
	"testing"
	"time"
)

func TestFixedNeverStops(t *testing.T) {
	b := Fixed(5 * time.Second)
	for i := 0; i < 100; i++ {
		if d := b.NextBackOff(); d != 5*time.Second {
			t.Fatalf("attempt %d: delay %v", i, d)
		}
	}
}

func TestSteppedFollowsSchedule(t *testing.T) {
	b := Stepped()
	for i, want := range Schedule {
		if d := b.NextBackOff(); d != want {
			t.Fatalf("attempt %d: delay %v; want %v", i, d, want)
		}
	}
	if d := b.NextBackOff(); d != 30*time.Second {
		t.Fatalf("after schedule: %v", d)
	}
	b.Reset()
	if d := b.NextBackOff(); d != time.Second {
		t.Fatalf("after reset: %v", d)
	}
}

func TestPolicy(t *testing.T) {
	if _, ok := Policy("stepped", time.Second).(*stepped); !ok {
		t.Fatalf("stepped policy not selected")
	}
	if d := Policy("bogus", 2*time.Second).NextBackOff(); d != 2*time.Second {
		t.Fatalf("fallback delay %v", d)
	}
}
