package session

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// PartType identifies the variant of a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartFile       PartType = "file"
	PartPatch      PartType = "patch"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
)

// IsText reports whether the part carries streamed text.
func (t PartType) IsText() bool {
	return t == PartText || t == PartReasoning
}

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

const (
	maxSummaryLen = 2000
	maxTitleLen   = 200
)

// ToolState describes a tool invocation part.
type ToolState struct {
	Name          string     `json:"name"`
	CallID        string     `json:"call_id,omitempty"`
	Status        ToolStatus `json:"status"`
	Title         string     `json:"title,omitempty"`
	InputSummary  string     `json:"input_summary,omitempty"`
	OutputSummary string     `json:"output_summary,omitempty"`
	ErrorSummary  string     `json:"error_summary,omitempty"`
}

// FileRef describes a file attachment part.
type FileRef struct {
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// PatchInfo describes a patch part.
type PatchInfo struct {
	Hash  string   `json:"hash,omitempty"`
	Files []string `json:"files,omitempty"`
}

// TokenUsage counts tokens spent by a step or message.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Reasoning  int `json:"reasoning"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

func (t *TokenUsage) add(o TokenUsage) {
	t.Input += o.Input
	t.Output += o.Output
	t.Reasoning += o.Reasoning
	t.CacheRead += o.CacheRead
	t.CacheWrite += o.CacheWrite
}

// StepBoundary marks the start or end of an agent step.
type StepBoundary struct {
	Kind   string      `json:"kind"` // "start" or "finish"
	Reason string      `json:"reason,omitempty"`
	Cost   float64     `json:"cost,omitempty"`
	Tokens *TokenUsage `json:"tokens,omitempty"`
}

// Part is one typed piece of assistant output. Exactly one variant payload is set,
// matching Type; text and reasoning parts use Text.
type Part struct {
	ID        string        `json:"id"`
	MessageID string        `json:"message_id"`
	SessionID string        `json:"session_id,omitempty"`
	Type      PartType      `json:"type"`
	Text      string        `json:"text,omitempty"`
	Tool      *ToolState    `json:"tool,omitempty"`
	File      *FileRef      `json:"file,omitempty"`
	Patch     *PatchInfo    `json:"patch,omitempty"`
	Step      *StepBoundary `json:"step,omitempty"`
}

// clone returns a deep copy safe to hand to callbacks.
func (p *Part) clone() Part {
	c := *p
	if p.Tool != nil {
		t := *p.Tool
		c.Tool = &t
	}
	if p.File != nil {
		f := *p.File
		c.File = &f
	}
	if p.Patch != nil {
		pi := *p.Patch
		pi.Files = append([]string(nil), p.Patch.Files...)
		c.Patch = &pi
	}
	if p.Step != nil {
		s := *p.Step
		if p.Step.Tokens != nil {
			tok := *p.Step.Tokens
			s.Tokens = &tok
		}
		c.Step = &s
	}
	return c
}

// MessageInfo is the normalized metadata of a message.updated event.
type MessageInfo struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	ParentID  string      `json:"parent_id,omitempty"`
	Finish    string      `json:"finish,omitempty"`
	Cost      float64     `json:"cost,omitempty"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// coerceString turns any JSON value into a string. Objects yield a known sub-field.
func coerceString(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number, gjson.True, gjson.False:
		return r.Raw
	case gjson.JSON:
		for _, key := range []string{"status", "type", "text", "message", "name"} {
			if v := r.Get(key); v.Type == gjson.String {
				return v.Str
			}
		}
	}
	return ""
}

func coerceNumber(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Number:
		return r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func coerceInt(r gjson.Result) int {
	return int(coerceNumber(r))
}

// summarize renders a value as a bounded string: strings verbatim, structures as compact JSON.
func summarize(r gjson.Result, limit int) string {
	var s string
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		s = r.Str
	case gjson.JSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(r.Raw)); err != nil {
			s = r.Raw
		} else {
			s = buf.String()
		}
		if s == "{}" || s == "[]" {
			return ""
		}
	default:
		s = r.Raw
	}
	return truncate(s, limit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Cut on a rune boundary
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func normalizeToolStatus(s string) ToolStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "running", "in_progress", "started":
		return ToolRunning
	case "completed", "complete", "success", "done":
		return ToolCompleted
	case "error", "failed", "failure", "cancelled":
		return ToolError
	default:
		return ToolPending
	}
}

func normalizeTokens(r gjson.Result) *TokenUsage {
	if !r.IsObject() {
		return nil
	}
	return &TokenUsage{
		Input:      coerceInt(r.Get("input")),
		Output:     coerceInt(r.Get("output")),
		Reasoning:  coerceInt(r.Get("reasoning")),
		CacheRead:  coerceInt(r.Get("cache.read")),
		CacheWrite: coerceInt(r.Get("cache.write")),
	}
}

// normalizePart converts a raw wire part into a Part. It reports false when the
// payload has no part id or message id.
func normalizePart(raw gjson.Result) (Part, bool) {
	if !raw.IsObject() {
		return Part{}, false
	}
	p := Part{
		ID:        coerceString(raw.Get("id")),
		MessageID: coerceString(raw.Get("messageID")),
		SessionID: coerceString(raw.Get("sessionID")),
		Type:      PartType(coerceString(raw.Get("type"))),
	}
	if p.ID == "" || p.MessageID == "" {
		return Part{}, false
	}

	switch p.Type {
	case PartText, PartReasoning:
		p.Text = coerceString(raw.Get("text"))
	case PartTool:
		p.Tool = normalizeTool(raw)
	case PartFile:
		p.File = &FileRef{
			Mime:     coerceString(raw.Get("mime")),
			Filename: coerceString(raw.Get("filename")),
			URL:      coerceString(raw.Get("url")),
		}
	case PartPatch:
		info := &PatchInfo{Hash: coerceString(raw.Get("hash"))}
		raw.Get("files").ForEach(func(_, f gjson.Result) bool {
			if s := coerceString(f); s != "" {
				info.Files = append(info.Files, s)
			}
			return true
		})
		p.Patch = info
	case PartStepStart:
		p.Step = &StepBoundary{Kind: "start"}
	case PartStepFinish:
		p.Step = &StepBoundary{
			Kind:   "finish",
			Reason: coerceString(raw.Get("reason")),
			Cost:   coerceNumber(raw.Get("cost")),
			Tokens: normalizeTokens(raw.Get("tokens")),
		}
	}
	return p, true
}

func normalizeTool(raw gjson.Result) *ToolState {
	tool := &ToolState{
		Name:   coerceString(raw.Get("tool")),
		CallID: coerceString(raw.Get("callID")),
	}
	state := raw.Get("state")
	if !state.IsObject() {
		tool.Status = normalizeToolStatus(coerceString(state))
		return tool
	}
	tool.Status = normalizeToolStatus(coerceString(state.Get("status")))
	tool.Title = truncate(coerceString(state.Get("title")), maxTitleLen)
	tool.InputSummary = summarize(state.Get("input"), maxSummaryLen)
	tool.OutputSummary = summarize(state.Get("output"), maxSummaryLen)
	tool.ErrorSummary = summarize(state.Get("error"), maxSummaryLen)
	return tool
}

// normalizeMessageInfo converts a raw message info object.
func normalizeMessageInfo(raw gjson.Result) (MessageInfo, bool) {
	if !raw.IsObject() {
		return MessageInfo{}, false
	}
	info := MessageInfo{
		ID:        coerceString(raw.Get("id")),
		SessionID: coerceString(raw.Get("sessionID")),
		Role:      coerceString(raw.Get("role")),
		ParentID:  coerceString(raw.Get("parentID")),
		Finish:    coerceString(raw.Get("finish")),
		Cost:      coerceNumber(raw.Get("cost")),
		Tokens:    normalizeTokens(raw.Get("tokens")),
	}
	if e := raw.Get("error"); e.Exists() {
		msg := e.Get("data.message").String()
		if msg == "" {
			msg = coerceString(e)
		}
		info.Error = msg
	}
	if info.ID == "" {
		return MessageInfo{}, false
	}
	return info, true
}
