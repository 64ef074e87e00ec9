package match

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/gaspardpetit/obs-taso/internal/protocol"
	"github.com/gaspardpetit/obs-taso/internal/session"
)

// Subscriber is satisfied by *session.Session and *session.EventBus.
type Subscriber interface {
	Subscribe(eventType string, fn session.EventHandler) *session.Subscription
}

// Tracker keeps the most recent match broadcast. Since it stores state rather
// than accumulating deltas, repeated deliveries of one update are harmless.
type Tracker struct {
	mu      sync.RWMutex
	latest  json.RawMessage
	updated time.Time
	onEvent func(CustomEvent)
	sub     *session.Subscription
}

// NewTracker subscribes to custom events on s. onEvent, when non-nil, sees
// every custom event, not only match updates.
func NewTracker(s Subscriber, onEvent func(CustomEvent)) *Tracker {
	t := &Tracker{onEvent: onEvent}
	t.sub = s.Subscribe(protocol.EventCustom, t.handle)
	return t
}

func (t *Tracker) handle(ev protocol.EventPayload) {
	var ce CustomEvent
	if err := json.Unmarshal(ev.EventData, &ce); err != nil {
		logx.Log.Debug().Err(err).Msg("ignoring custom event with unexpected shape")
		return
	}
	if ce.EventName == EventMatchUpdate {
		t.Set(ce.EventData)
	}
	if t.onEvent != nil {
		t.onEvent(ce)
	}
}

// Set replaces the tracked match, e.g. with the value read from the slot at
// startup.
func (t *Tracker) Set(data json.RawMessage) {
	t.mu.Lock()
	t.latest = append(json.RawMessage(nil), data...)
	t.updated = time.Now()
	t.mu.Unlock()
}

// Latest returns the tracked match and when it last changed. The match is nil
// until the first update.
func (t *Tracker) Latest() (json.RawMessage, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.updated
}

// Close stops tracking.
func (t *Tracker) Close() {
	t.sub.Unsubscribe()
}
