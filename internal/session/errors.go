package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoQuestion is returned when answering a question that is not active.
	ErrNoQuestion = errors.New("no pending question")
	// ErrInvalidTransition is returned when the question state does not allow the operation.
	ErrInvalidTransition = errors.New("invalid question state transition")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("session client closed")
	// ErrNoSession is returned when an operation needs a current session and there is none.
	ErrNoSession = errors.New("no current session")
)

// TimeoutError reports an exchange that hit its ceiling without any output.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response after %s", e.Elapsed.Round(time.Millisecond))
}

// SessionError is a failure reported by the server on the event stream.
type SessionError struct {
	SessionID string
	Kind      string
	Message   string
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session %s: %s", e.SessionID, e.Kind)
	}
	return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Kind, e.Message)
}
