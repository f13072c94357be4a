package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("a session is already running")
	ErrNotRunning     = errors.New("no session is running")
	ErrConnectTimeout = errors.New("timed out connecting to recognizer")
)

// RemoteError is an error reported by the recognizer itself.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "recognizer error: " + e.Message
}

// RemoteClosedError means the link went away while the session was active.
type RemoteClosedError struct {
	Code   int
	Reason string
}

func (e *RemoteClosedError) Error() string {
	return fmt.Sprintf("recognizer closed the connection (%d): %s", e.Code, e.Reason)
}
