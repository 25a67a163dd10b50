package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"runtime"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/constants"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
)

const (
	initialEventBuffer = 64 * 1024
	maxEventSize       = 8 * 1024 * 1024
)

// EventReader decodes an SSE byte stream into Events.
// A reader is single-use: once it returns an error it yields nothing further.
type EventReader struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	logger     *logger.Logger
	yieldEvery int
	dispatched int

	closeOnce sync.Once
	done      bool
}

// ReaderOption configures an EventReader.
type ReaderOption func(*EventReader)

// WithYieldEvery sets how many events are dispatched between scheduler yields.
// Zero disables yielding.
func WithYieldEvery(n int) ReaderOption {
	return func(r *EventReader) {
		if n >= 0 {
			r.yieldEvery = n
		}
	}
}

// WithReaderLogger sets the logger used for decode diagnostics.
func WithReaderLogger(log *logger.Logger) ReaderOption {
	return func(r *EventReader) {
		if log != nil {
			r.logger = log
		}
	}
}

// NewEventReader wraps an SSE response body. The reader owns body and closes it.
func NewEventReader(body io.ReadCloser, opts ...ReaderOption) *EventReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialEventBuffer), maxEventSize)

	r := &EventReader{
		body:       body,
		scanner:    scanner,
		logger:     logger.Default(),
		yieldEvery: constants.ReaderYieldEvery,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(zap.String("component", "event-reader"))
	return r
}

// Next returns the next event. It returns io.EOF when the stream ends cleanly
// and the context error when ctx is cancelled.
func (r *EventReader) Next(ctx context.Context) (*Event, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		r.finish()
		return nil, err
	}
	// Unblocks a pending read when ctx is cancelled mid-scan.
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	var (
		kind    string
		data    strings.Builder
		hasData bool
	)
	reset := func() {
		kind = ""
		data.Reset()
		hasData = false
	}

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if !hasData && kind == "" {
				continue
			}
			ev := r.decode(kind, data.String())
			reset()
			if ev != nil {
				// Buffered lines can outlive a cancel; nothing is yielded after it.
				if err := ctx.Err(); err != nil {
					r.finish()
					return nil, err
				}
				r.afterDispatch()
				return ev, nil
			}
			continue
		}

		// Comments and keep-alives
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			kind = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		default:
			// id, retry and unknown fields carry nothing we use
		}
	}

	if err := ctx.Err(); err != nil {
		r.finish()
		return nil, err
	}
	if err := r.scanner.Err(); err != nil {
		r.finish()
		return nil, err
	}

	// Stream ended without a trailing blank line
	if hasData || kind != "" {
		if ev := r.decode(kind, data.String()); ev != nil {
			r.finish()
			return ev, nil
		}
	}
	r.finish()
	return nil, io.EOF
}

// Events returns a lazy sequence over the stream. Iteration stops after the
// first error; a clean end of stream yields no error.
func (r *EventReader) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			ev, err := r.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				_ = r.Close()
				return
			}
		}
	}
}

// Close releases the underlying body. Safe to call more than once.
func (r *EventReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.body.Close()
	})
	return err
}

func (r *EventReader) finish() {
	r.done = true
	_ = r.Close()
}

func (r *EventReader) afterDispatch() {
	r.dispatched++
	if r.yieldEvery > 0 && r.dispatched%r.yieldEvery == 0 {
		runtime.Gosched()
	}
}

// decode turns one SSE record into an Event, or nil when it has no usable kind.
func (r *EventReader) decode(kind, data string) *Event {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		if kind == "" {
			return nil
		}
		return &Event{Type: kind}
	}

	if !json.Valid([]byte(trimmed)) {
		r.logger.Debug("undecodable event payload",
			zap.Error(&DecodeError{Kind: kind, Payload: trimmed, Cause: errors.New("invalid JSON")}))
		if kind == "" {
			return nil
		}
		return &Event{Type: kind, Opaque: trimmed}
	}

	root := gjson.Parse(trimmed)
	envType := ""
	if t := root.Get("type"); t.Type == gjson.String {
		envType = t.Str
	}
	props := root.Get("properties")

	ev := &Event{Type: kind}
	switch {
	case kind == "" && envType != "":
		ev.Type = envType
		if props.Exists() {
			ev.Properties = json.RawMessage(props.Raw)
		} else {
			ev.Properties = json.RawMessage(trimmed)
		}
	case kind != "" && envType == kind && props.Exists():
		ev.Properties = json.RawMessage(props.Raw)
	case kind != "":
		ev.Properties = json.RawMessage(trimmed)
	default:
		r.logger.Debug("skipping event without kind", zap.String("payload", truncate(trimmed, 200)))
		return nil
	}
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
