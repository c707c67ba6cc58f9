package proto

import (
	"errors"
	"fmt"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrConnectFailed   = errors.New("connect failed")
	ErrUnknownRole     = errors.New("unknown role")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrUnexpectedLabel = errors.New("unexpected label")
	ErrSessionClosed   = errors.New("session closed")
	ErrRoleOccupied    = errors.New("role occupied")
)

// A CancelledError reports that a session ended by cancellation.
type CancelledError struct {
	Role   Role
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session cancelled by %s", e.Role)
	}
	return fmt.Sprintf("session cancelled by %s: %s", e.Role, e.Reason)
}
