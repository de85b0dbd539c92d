package chat

import (
	"errors"
	"fmt"
)

// MinNameLen is the minimal length of a trimmed display name.
const MinNameLen = 2

var (
	ErrHubStopped        = errors.New("hub is stopped")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Error codes sent to clients in `error` events.
const (
	CodeInvalidName    = "invalid_name"
	CodeInvalidMessage = "invalid_message"
	CodeInternal       = "internal"
)

// InvalidNameError rejects a join with a too short display name.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("display name %q: must have at least %d characters", e.Name, MinNameLen)
}

// InvalidMessageError rejects a message without author or content.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "invalid message: " + e.Reason
}

// PersistenceError wraps a read or write failure of the message log.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("message log %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrorCode maps a validation error to its client facing code.
func ErrorCode(err error) string {
	var nameErr *InvalidNameError
	var msgErr *InvalidMessageError
	switch {
	case errors.As(err, &nameErr):
		return CodeInvalidName
	case errors.As(err, &msgErr):
		return CodeInvalidMessage
	}
	return CodeInternal
}
