package session

import (
	"strings"

	"github.com/google/uuid"
)

// assistantEntry is one assistant message of an exchange with its parts in arrival order.
type assistantEntry struct {
	info  MessageInfo
	order []string
	parts map[string]*Part
}

func newAssistantEntry(id string) *assistantEntry {
	return &assistantEntry{
		info:  MessageInfo{ID: id, Role: "assistant"},
		parts: make(map[string]*Part),
	}
}

func (e *assistantEntry) get(partID string) *Part {
	return e.parts[partID]
}

func (e *assistantEntry) put(p *Part) {
	if _, ok := e.parts[p.ID]; !ok {
		e.order = append(e.order, p.ID)
	}
	e.parts[p.ID] = p
}

func (e *assistantEntry) remove(partID string) bool {
	if _, ok := e.parts[partID]; !ok {
		return false
	}
	delete(e.parts, partID)
	for i, id := range e.order {
		if id == partID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// textLen sums the length of text and reasoning parts.
func (e *assistantEntry) textLen() int {
	n := 0
	for _, id := range e.order {
		if p := e.parts[id]; p.Type.IsText() {
			n += len(p.Text)
		}
	}
	return n
}

// Exchange is one user turn and the assistant output it produced.
// It is owned by a single runner goroutine.
type Exchange struct {
	ID        string
	SessionID string
	UserText  string
	// Resumed exchanges continue a turn started by an earlier stream.
	Resumed bool

	// PendingAssistantID names the placeholder entry until the first assistant id arrives.
	PendingAssistantID string
	UserMessageID      string
	Complete           bool

	claimed bool
	entries []*assistantEntry
	byID    map[string]*assistantEntry
}

// NewExchange creates an exchange with an unclaimed assistant placeholder.
func NewExchange(sessionID, userText string) *Exchange {
	placeholder := "pending_" + uuid.New().String()
	entry := newAssistantEntry(placeholder)
	return &Exchange{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		UserText:           userText,
		PendingAssistantID: placeholder,
		entries:            []*assistantEntry{entry},
		byID:               map[string]*assistantEntry{placeholder: entry},
	}
}

// lookup returns the entry for an assistant message id, if known.
func (x *Exchange) lookup(messageID string) *assistantEntry {
	return x.byID[messageID]
}

// claim returns the entry for messageID, binding the placeholder to the first id seen.
func (x *Exchange) claim(messageID string) *assistantEntry {
	if e, ok := x.byID[messageID]; ok {
		return e
	}
	if !x.claimed {
		x.claimed = true
		e := x.entries[0]
		delete(x.byID, e.info.ID)
		e.info.ID = messageID
		x.byID[messageID] = e
		return e
	}
	e := newAssistantEntry(messageID)
	x.entries = append(x.entries, e)
	x.byID[messageID] = e
	return e
}

// Parts returns copies of all parts across assistant messages in arrival order.
func (x *Exchange) Parts() []Part {
	var out []Part
	for _, e := range x.entries {
		for _, id := range e.order {
			out = append(out, e.parts[id].clone())
		}
	}
	return out
}

// PartCount returns the number of parts received so far.
func (x *Exchange) PartCount() int {
	n := 0
	for _, e := range x.entries {
		n += len(e.order)
	}
	return n
}

// Text concatenates the text parts of all assistant messages.
func (x *Exchange) Text() string {
	var b strings.Builder
	for _, e := range x.entries {
		for _, id := range e.order {
			if p := e.parts[id]; p.Type == PartText {
				b.WriteString(p.Text)
			}
		}
	}
	return b.String()
}

// Messages returns the metadata of every claimed assistant message.
func (x *Exchange) Messages() []MessageInfo {
	var out []MessageInfo
	for i, e := range x.entries {
		if i == 0 && !x.claimed {
			continue
		}
		info := e.info
		if e.info.Tokens != nil {
			tok := *e.info.Tokens
			info.Tokens = &tok
		}
		out = append(out, info)
	}
	return out
}

// Usage sums cost and tokens across assistant messages.
func (x *Exchange) Usage() (float64, TokenUsage) {
	var cost float64
	var tokens TokenUsage
	for _, e := range x.entries {
		cost += e.info.Cost
		if e.info.Tokens != nil {
			tokens.add(*e.info.Tokens)
		}
	}
	return cost, tokens
}

// Result is the outcome handed to callers when an exchange ends.
type Result struct {
	ExchangeID string        `json:"exchange_id"`
	SessionID  string        `json:"session_id"`
	Text       string        `json:"text"`
	Parts      []Part        `json:"parts"`
	Messages   []MessageInfo `json:"messages,omitempty"`
	Cost       float64       `json:"cost"`
	Tokens     TokenUsage    `json:"tokens"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Aborted    bool          `json:"aborted,omitempty"`
}

// Result captures the current state of the exchange.
func (x *Exchange) Result() Result {
	cost, tokens := x.Usage()
	return Result{
		ExchangeID: x.ID,
		SessionID:  x.SessionID,
		Text:       x.Text(),
		Parts:      x.Parts(),
		Messages:   x.Messages(),
		Cost:       cost,
		Tokens:     tokens,
	}
}
