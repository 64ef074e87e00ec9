package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that require an identified session.
	ErrNotConnected = errors.New("session not connected")
	// ErrAlreadyConnected is returned by Connect outside the disconnected state.
	ErrAlreadyConnected = errors.New("session already connected or connecting")
	// ErrAuthenticationRequired means the server asked for authentication and no password was supplied.
	ErrAuthenticationRequired = errors.New("authentication required but no password provided")
	// ErrAuthenticationFailed means the server closed the connection rejecting the password.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTransportClosed fails a connect attempt whose transport closed before identification.
	ErrTransportClosed = errors.New("transport closed")
	// ErrConnectionLost fails every outstanding request when the connection drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDuplicateRequestID is an internal invariant violation in request id allocation.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrRequestRejected matches every *RequestError.
	ErrRequestRejected = errors.New("request rejected")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("session closed")
)

// RequestError carries the status of a request the server answered with result=false.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("%s rejected: code %d", e.RequestType, e.Code)
	}
	return fmt.Sprintf("%s rejected: code %d: %s", e.RequestType, e.Code, e.Comment)
}

// Is lets errors.Is(err, ErrRequestRejected) match.
func (e *RequestError) Is(target error) bool {
	return target == ErrRequestRejected
}
