package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame indicates an inbound frame that is not a JSON object with an integer op.
var ErrMalformedFrame = errors.New("malformed frame")

// OpCode discriminates the payload carried in an Envelope.
type OpCode int

const (
	OpHello           OpCode = 0
	OpIdentify        OpCode = 1
	OpIdentified      OpCode = 2
	OpEvent           OpCode = 5
	OpRequest         OpCode = 6
	OpRequestResponse OpCode = 7
)

// Known reports whether o is one of the op codes this package understands.
func (o OpCode) Known() bool {
	switch o {
	case OpHello, OpIdentify, OpIdentified, OpEvent, OpRequest, OpRequestResponse:
		return true
	}
	return false
}

func (o OpCode) String() string {
	switch o {
	case OpHello:
		return "Hello"
	case OpIdentify:
		return "Identify"
	case OpIdentified:
		return "Identified"
	case OpEvent:
		return "Event"
	case OpRequest:
		return "Request"
	case OpRequestResponse:
		return "RequestResponse"
	}
	return fmt.Sprintf("OpCode(%d)", int(o))
}

// Envelope is the top-level {op, d} frame.
type Envelope struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// NewEnvelope marshals payload into the d field of an envelope for op.
func NewEnvelope(op OpCode, payload any) (Envelope, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Envelope{Op: op, D: d}, nil
}

// Encode renders env as a JSON text frame containing exactly op and d.
func Encode(env Envelope) ([]byte, error) {
	if len(env.D) == 0 {
		env.D = json.RawMessage("null")
	}
	return json.Marshal(env)
}

// Marshal is NewEnvelope followed by Encode.
func Marshal(op OpCode, payload any) ([]byte, error) {
	env, err := NewEnvelope(op, payload)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// Decode parses a text frame. Unknown op codes decode successfully; callers
// check Envelope.Op.Known and ignore what they do not handle. The d field is
// not validated.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	rawOp, ok := fields["op"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawOp), []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing op", ErrMalformedFrame)
	}
	var op int
	if err := json.Unmarshal(rawOp, &op); err != nil {
		return Envelope{}, fmt.Errorf("%w: op is not an integer", ErrMalformedFrame)
	}
	return Envelope{Op: OpCode(op), D: fields["d"]}, nil
}

// DecodePayload unmarshals the d field of env into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.D) == 0 {
		return fmt.Errorf("%w: %s frame without d", ErrMalformedFrame, env.Op)
	}
	if err := json.Unmarshal(env.D, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, env.Op, err)
	}
	return nil
}
