package realm

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrInvalidName        = errors.New("invalid display name")
	ErrInvalidRoom        = errors.New("invalid room name")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrRoomLocked         = errors.New("session is already bound to another room")
	ErrDuplicateName      = errors.New("display name already in use")
	ErrRateLimited        = errors.New("too many connection attempts")
	ErrTooManyConnections = errors.New("too many open connections")
	ErrStoreUnavailable   = errors.New("history store unavailable")
)

// Wire error codes.
const (
	CodeInvalidUsername    = "invalid_username"
	CodeDuplicateNick      = "duplicate_nick"
	CodeRateLimited        = "rate_limited"
	CodeTooManyConnections = "too_many_connections"
	CodeInvalidInput       = "invalid_input"
	CodeRoomLocked         = "room_locked"
)

// Close codes sent with the websocket close frame.
const (
	CloseNormal             = 1000
	CloseServerShutdown     = 1001
	CloseMessageTooBig      = 1009
	CloseInternalError      = 1011
	CloseDuplicateName      = 4001
	CloseInvalidInput       = 4002
	CloseInvalidName        = 4003
	CloseHeartbeatTimeout   = 4008
	CloseRateLimited        = 4029
	CloseTooManyConnections = 4030
)

// Close reasons paired with the close codes above.
const (
	ReasonServerShutdown   = "server_shutdown"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonInternalError    = "internal_error"
	ReasonClientClosed     = "client_closed"
	ReasonTransportFailure = "transport_failure"
	ReasonMessageTooBig    = "message_too_big"
)

// ClaimError is returned when a display name cannot be claimed because it is
// held or reserved by someone else.
type ClaimError struct {
	Room string
	Name string
	// Wait is the time left on the name's reservation, zero while the name is
	// held by a live session.
	Wait time.Duration
}

func (e *ClaimError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("name %q in room %q is reserved for another %s", e.Name, e.Room, e.Wait)
	}
	return fmt.Sprintf("name %q in room %q is in use", e.Name, e.Room)
}

func (e *ClaimError) Unwrap() error { return ErrDuplicateName }

// WaitMillis returns the reservation wait in whole milliseconds, rounded up.
func (e *ClaimError) WaitMillis() int64 {
	if e.Wait <= 0 {
		return 0
	}
	return int64((e.Wait + time.Millisecond - 1) / time.Millisecond)
}

// ErrorCode maps an error to its wire code. Unknown errors map to invalid_input.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidName):
		return CodeInvalidUsername
	case errors.Is(err, ErrDuplicateName):
		return CodeDuplicateNick
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTooManyConnections):
		return CodeTooManyConnections
	case errors.Is(err, ErrRoomLocked):
		return CodeRoomLocked
	default:
		return CodeInvalidInput
	}
}

// CloseCode maps a rejection error to the close code sent to the client.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidName):
		return CloseInvalidName
	case errors.Is(err, ErrDuplicateName):
		return CloseDuplicateName
	case errors.Is(err, ErrRateLimited):
		return CloseRateLimited
	case errors.Is(err, ErrTooManyConnections):
		return CloseTooManyConnections
	case errors.Is(err, ErrInvalidRoom), errors.Is(err, ErrInvalidMessage):
		return CloseInvalidInput
	default:
		return CloseInternalError
	}
}
