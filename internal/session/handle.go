package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type controlKind int

const (
	// ctrlRearm re-enables completion after a question was answered or rejected.
	ctrlRearm controlKind = iota
	// ctrlAbort ends the exchange locally with its partial result.
	ctrlAbort
)

type controlMsg struct {
	kind       controlKind
	questionID string
}

// StreamHandle is the live connection of one exchange.
type StreamHandle struct {
	ID        string
	SessionID string
	StartedAt time.Time

	cancel  context.CancelFunc
	control chan controlMsg
	done    chan struct{}

	hasReceivedParts    atomic.Bool
	hasReceivedQuestion atomic.Bool
	completed           atomic.Bool
}

func newStreamHandle(sessionID string, cancel context.CancelFunc) *StreamHandle {
	return &StreamHandle{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		cancel:    cancel,
		control:   make(chan controlMsg, 8),
		done:      make(chan struct{}),
	}
}

// HasReceivedParts reports whether any assistant part arrived.
func (h *StreamHandle) HasReceivedParts() bool { return h.hasReceivedParts.Load() }

// HasReceivedQuestion reports whether completion is suppressed by a question.
func (h *StreamHandle) HasReceivedQuestion() bool { return h.hasReceivedQuestion.Load() }

// IsCompleted reports whether a terminal callback was delivered.
func (h *StreamHandle) IsCompleted() bool { return h.completed.Load() }

// Done is closed when the handle's runner has stopped.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// live reports whether the runner is still consuming the stream.
func (h *StreamHandle) live() bool {
	if h == nil || h.IsCompleted() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// send delivers a control message unless the runner has stopped.
func (h *StreamHandle) send(msg controlMsg) bool {
	select {
	case h.control <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Cancel stops the handle without delivering callbacks.
func (h *StreamHandle) Cancel() {
	h.cancel()
}
