package session

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// HistoryMessage is one normalized message of a session history.
type HistoryMessage struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Text concatenates the text parts of the message.
func (m HistoryMessage) Text() string {
	var out []byte
	for _, p := range m.Parts {
		if p.Type == PartText {
			out = append(out, p.Text...)
		}
	}
	return string(out)
}

// NormalizeHistory converts raw session messages. Messages without usable info
// are skipped, as are malformed parts.
func NormalizeHistory(messages []opencode.MessageEnvelope) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(messages))
	for _, m := range messages {
		info, ok := normalizeMessageInfo(gjson.ParseBytes(m.Info))
		if !ok {
			continue
		}
		msg := HistoryMessage{Info: info, Parts: make([]Part, 0, len(m.Parts))}
		for _, raw := range m.Parts {
			if p, ok := normalizePart(gjson.ParseBytes(raw)); ok {
				msg.Parts = append(msg.Parts, p)
			}
		}
		out = append(out, msg)
	}
	return out
}

// History fetches and normalizes the messages of sessionID.
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryMessage, error) {
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	if sessionID == "" {
		return nil, ErrNoSession
	}
	raw, err := c.cmds.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return NormalizeHistory(raw), nil
}
