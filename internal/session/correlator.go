package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gaspardpetit/obs-taso/internal/protocol"
)

// Result settles one outstanding request.
type Result struct {
	Data json.RawMessage
	Err  error
}

type pendingRequest struct {
	requestType string
	sentAt      time.Time
	ch          chan<- Result
}

// Correlator maps outstanding request ids to their waiters. It is not safe for
// concurrent use; the session loop owns it.
type Correlator struct {
	pending map[string]pendingRequest
	// settled is invoked after each entry is settled; used for metrics.
	settled func(requestType, outcome string, d time.Duration)
}

// NewCorrelator constructs an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]pendingRequest)}
}

// Register records a waiter for id. ch must have room for one Result.
func (c *Correlator) Register(id, requestType string, ch chan<- Result) error {
	if _, exists := c.pending[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, id)
	}
	c.pending[id] = pendingRequest{requestType: requestType, sentAt: time.Now(), ch: ch}
	return nil
}

// Resolve settles the waiter matching resp.RequestID. Responses for unknown
// ids are dropped and reported as false.
func (c *Correlator) Resolve(resp protocol.RequestResponsePayload) bool {
	p, ok := c.pending[resp.RequestID]
	if !ok {
		return false
	}
	delete(c.pending, resp.RequestID)
	if resp.RequestStatus.Result {
		c.settle(p, "success")
		p.ch <- Result{Data: resp.ResponseData}
		return true
	}
	c.settle(p, "rejected")
	p.ch <- Result{Err: &RequestError{
		RequestType: resp.RequestType,
		Code:        resp.RequestStatus.Code,
		Comment:     resp.RequestStatus.Comment,
	}}
	return true
}

// Forget removes id without settling it, for callers that stopped waiting.
func (c *Correlator) Forget(id string) {
	if p, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.settle(p, "abandoned")
	}
}

// FailAll rejects every outstanding request with reason and clears the map.
// It returns the number of requests failed.
func (c *Correlator) FailAll(reason error) int {
	n := len(c.pending)
	for id, p := range c.pending {
		delete(c.pending, id)
		c.settle(p, "failed")
		p.ch <- Result{Err: reason}
	}
	return n
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int { return len(c.pending) }

func (c *Correlator) settle(p pendingRequest, outcome string) {
	if c.settled != nil {
		c.settled(p.requestType, outcome, time.Since(p.sentAt))
	}
}
