package session

// State is the protocol lifecycle position of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingIdentify
	StateIdentified
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingIdentify:
		return "awaiting_identify"
	case StateIdentified:
		return "identified"
	}
	return "unknown"
}

// Status is the coarse connection signal exposed to user interfaces.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)
