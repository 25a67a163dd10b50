package opencode

import "fmt"

// CommandFailed is returned when a request/response call gets a non-success status.
type CommandFailed struct {
	Operation string
	Status    int
	Body      string
}

func (e *CommandFailed) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s failed: HTTP %d: %s", e.Operation, e.Status, e.Body)
	}
	return fmt.Sprintf("%s failed: HTTP %d", e.Operation, e.Status)
}

// TransportError is returned when a connection could not be made or dropped unexpectedly.
type TransportError struct {
	Operation string
	Cause     error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: transport error: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s: transport error", e.Operation)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// DecodeError describes a wire payload that could not be decoded.
// It never fails a stream; readers log it and keep going.
type DecodeError struct {
	Kind    string
	Payload string
	Cause   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q event: %v", e.Kind, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
