// Package match publishes floorball match state through a broadcast session.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gaspardpetit/obs-taso/internal/protocol"
)

// Slot is the persistent data slot holding the current match.
const Slot = "floorball-match"

// Custom event names carried inside CustomEvent payloads.
const (
	EventMatchUpdate    = "MatchUpdate"
	EventClockControl   = "ClockControl"
	EventScoreUpdate    = "ScoreUpdate"
	EventPenaltyUpdate  = "PenaltyUpdate"
	EventShootoutUpdate = "ShootoutUpdate"
	EventMatchInfo      = "MatchInfo"
)

// Requester sends a request and returns its responseData.
type Requester interface {
	SendRequest(ctx context.Context, requestType string, requestData any) (json.RawMessage, error)
}

// CustomEvent is the eventData of a CustomEvent frame.
type CustomEvent struct {
	EventName string          `json:"eventName"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// Client wraps a Requester with the match helpers used by the control surfaces.
type Client struct {
	r   Requester
	now func() time.Time
}

func NewClient(r Requester) *Client {
	return &Client{r: r, now: time.Now}
}

// SetMatchData stores data in the match slot and broadcasts it as a
// MatchUpdate so live overlays refresh without polling.
func (c *Client) SetMatchData(ctx context.Context, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode match data: %w", err)
	}
	if _, err := c.r.SendRequest(ctx, protocol.RequestSetPersistentData, protocol.SetPersistentDataRequest{
		Realm:     protocol.RealmGlobal,
		SlotName:  Slot,
		SlotValue: raw,
	}); err != nil {
		return fmt.Errorf("store match data: %w", err)
	}
	return c.broadcast(ctx, EventMatchUpdate, raw)
}

// GetMatchData returns the stored match, or nil when none was ever set.
func (c *Client) GetMatchData(ctx context.Context) (json.RawMessage, error) {
	data, err := c.r.SendRequest(ctx, protocol.RequestGetPersistentData, protocol.GetPersistentDataRequest{
		Realm:    protocol.RealmGlobal,
		SlotName: Slot,
	})
	if err != nil {
		return nil, fmt.Errorf("load match data: %w", err)
	}
	var resp protocol.GetPersistentDataResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode match data: %w", err)
		}
	}
	if len(resp.SlotValue) == 0 || string(resp.SlotValue) == "null" {
		return nil, nil
	}
	return resp.SlotValue, nil
}

// SendClockControl broadcasts a clock action such as "start", "stop" or
// "reset". Fields in extra are merged into the payload.
func (c *Client) SendClockControl(ctx context.Context, action string, extra map[string]any) error {
	fields := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		fields[k] = v
	}
	fields["action"] = action
	return c.Broadcast(ctx, EventClockControl, fields)
}

func (c *Client) SendScoreUpdate(ctx context.Context, homeScore, awayScore int) error {
	return c.Broadcast(ctx, EventScoreUpdate, map[string]any{
		"homeScore": homeScore,
		"awayScore": awayScore,
	})
}

func (c *Client) SendPenaltyUpdate(ctx context.Context, homePenalties, awayPenalties any) error {
	return c.Broadcast(ctx, EventPenaltyUpdate, map[string]any{
		"homePenalties": homePenalties,
		"awayPenalties": awayPenalties,
	})
}

func (c *Client) SendShootoutUpdate(ctx context.Context, homeAttempts, awayAttempts any) error {
	return c.Broadcast(ctx, EventShootoutUpdate, map[string]any{
		"homeAttempts": homeAttempts,
		"awayAttempts": awayAttempts,
	})
}

func (c *Client) SendMatchInfo(ctx context.Context, info map[string]any) error {
	return c.Broadcast(ctx, EventMatchInfo, info)
}

// Broadcast sends fields as a named custom event, stamped with the current
// time in milliseconds. fields is not modified and may be nil.
func (c *Client) Broadcast(ctx context.Context, eventName string, fields map[string]any) error {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["timestamp"] = c.now().UnixMilli()
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventName, err)
	}
	return c.broadcast(ctx, eventName, raw)
}

func (c *Client) broadcast(ctx context.Context, eventName string, data json.RawMessage) error {
	ev, err := json.Marshal(CustomEvent{EventName: eventName, EventData: data})
	if err != nil {
		return err
	}
	if _, err := c.r.SendRequest(ctx, protocol.RequestBroadcastCustomEvent, protocol.BroadcastCustomEventRequest{EventData: ev}); err != nil {
		return fmt.Errorf("broadcast %s: %w", eventName, err)
	}
	return nil
}
