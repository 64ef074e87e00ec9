package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gaspardpetit/obs-taso/internal/metrics"
	"github.com/gaspardpetit/obs-taso/internal/protocol"
	"github.com/gaspardpetit/obs-taso/internal/reconnect"
)

func (s *Session) startSupervisor() {
	if s.superCancel != nil || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.superGen++
	s.superCancel = cancel
	s.log.Info().Dur("interval", s.opts.ReconnectInterval).Str("url", s.url).Msg("scheduling reconnect")
	go s.supervise(ctx, s.superGen, s.url, s.params)
}

func (s *Session) stopSupervisor() {
	if s.superCancel != nil {
		s.superCancel()
		s.superCancel = nil
	}
}

// supervise retries Connect with the last URL and password on the configured
// policy until one attempt identifies or ctx is cancelled. The first
// attempt happens one interval after the drop.
func (s *Session) supervise(ctx context.Context, gen uint64, url string, p connectParams) {
	defer s.postDetached(supervisorDone{gen: gen})

	timer := time.NewTimer(s.opts.ReconnectInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		metrics.RecordReconnectAttempt()
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
		err := s.connect(attemptCtx, url, p)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyConnected):
			return struct{}{}, nil
		case errors.Is(err, ErrAuthenticationRequired), errors.Is(err, ErrAuthenticationFailed),
			errors.Is(err, protocol.ErrAuthComputation):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(reconnect.Policy(s.opts.ReconnectPolicy, s.opts.ReconnectInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Info().Err(err).Int("attempt", attempt).Dur("next_retry", next).Msg("reconnection attempt failed")
		}),
	)
	switch {
	case err == nil:
		s.log.Info().Int("attempts", attempt).Str("url", url).Msg("reconnected")
	case ctx.Err() != nil:
	default:
		s.log.Error().Err(err).Msg("reconnect abandoned")
	}
}
