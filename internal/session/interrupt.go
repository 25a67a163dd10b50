package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// QuestionState is the state of the question interrupt protocol.
type QuestionState int

const (
	QuestionNone QuestionState = iota
	QuestionPending
	QuestionAnswering
	QuestionRejecting
)

func (s QuestionState) String() string {
	switch s {
	case QuestionNone:
		return "none"
	case QuestionPending:
		return "question_pending"
	case QuestionAnswering:
		return "answering"
	case QuestionRejecting:
		return "rejecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Interrupt tracks the active question of a session. It is shared between the
// runner and caller goroutines and guards itself.
type Interrupt struct {
	mu      sync.Mutex
	state   QuestionState
	active  *opencode.PendingQuestion
	pending []string
}

// NewInterrupt creates an interrupt in the NONE state.
func NewInterrupt() *Interrupt {
	return &Interrupt{}
}

// Ask makes q the active question. It reports false when q is already active
// and awaiting an answer, so callers notify once per question.
func (i *Interrupt) Ask(q opencode.PendingQuestion) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active != nil && i.active.ID == q.ID && i.state != QuestionNone {
		return false
	}
	cp := q
	i.active = &cp
	i.state = QuestionPending
	return true
}

// SetPending records the ids of further unanswered questions.
func (i *Interrupt) SetPending(ids []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append([]string(nil), ids...)
}

// HasPending reports whether questions beyond the active one are waiting.
func (i *Interrupt) HasPending() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending) > 0
}

// BeginAnswer moves QUESTION_PENDING to ANSWERING for questionID.
func (i *Interrupt) BeginAnswer(questionID string) error {
	return i.begin(questionID, QuestionAnswering)
}

// BeginReject moves QUESTION_PENDING to REJECTING for questionID.
func (i *Interrupt) BeginReject(questionID string) error {
	return i.begin(questionID, QuestionRejecting)
}

func (i *Interrupt) begin(questionID string, next QuestionState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active == nil || i.active.ID != questionID {
		return fmt.Errorf("%w: %s", ErrNoQuestion, questionID)
	}
	if i.state != QuestionPending {
		return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, next, i.state)
	}
	i.state = next
	return nil
}

// Fail returns an in-flight answer or rejection to QUESTION_PENDING.
func (i *Interrupt) Fail() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == QuestionAnswering || i.state == QuestionRejecting {
		i.state = QuestionPending
	}
}

// Settle returns to NONE when questionID is active, or unconditionally when it is empty.
// It reports whether the state changed.
func (i *Interrupt) Settle(questionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active == nil {
		return false
	}
	if questionID != "" && i.active.ID != questionID {
		return false
	}
	i.active = nil
	i.state = QuestionNone
	i.pending = removeID(i.pending, questionID)
	return true
}

// Discard drops the active question and pending metadata.
func (i *Interrupt) Discard() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active = nil
	i.state = QuestionNone
	i.pending = nil
}

// State returns the current state.
func (i *Interrupt) State() QuestionState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Active returns a copy of the active question, or nil.
func (i *Interrupt) Active() *opencode.PendingQuestion {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active == nil {
		return nil
	}
	cp := *i.active
	return &cp
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ComposeAnswer builds the answer list of one sub-question: selected labels
// followed by the trimmed custom text, when present.
func ComposeAnswer(labels []string, custom string) []string {
	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	if c := strings.TrimSpace(custom); c != "" {
		out = append(out, c)
	}
	return out
}
