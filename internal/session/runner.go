package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/tracing"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// Exchange outcomes, recorded on the exchange span.
const (
	outcomeCompleted    = "completed"
	outcomeTimedOut     = "timed_out"
	outcomeAborted      = "aborted"
	outcomeCancelled    = "cancelled"
	outcomeSessionError = "session_error"
	outcomeTransport    = "transport_error"
	outcomeTimeout      = "timeout"
)

const eventBuffer = 64

type runnerConfig struct {
	pollInterval time.Duration
	idleDebounce time.Duration
	timeout      time.Duration
}

// runner is the only goroutine that mutates an exchange. Events, snapshots,
// control messages and timers all reach it through channels.
type runner struct {
	h      *StreamHandle
	cmds   Commands
	ex     *Exchange
	rec    *Reconciler
	q      *Interrupt
	gov    *Governor
	cb     Callbacks
	notify *notifier
	cfg    runnerConfig
	logger *logger.Logger

	pendingCh   chan pendingCheck
	sawActivity bool
	err         error
}

func newRunner(h *StreamHandle, cmds Commands, ex *Exchange, q *Interrupt, cb Callbacks,
	n *notifier, cfg runnerConfig, log *logger.Logger) *runner {
	log = log.WithSessionID(ex.SessionID).WithExchangeID(ex.ID)
	return &runner{
		h:           h,
		cmds:        cmds,
		ex:          ex,
		rec:         NewReconciler(ex, log),
		q:           q,
		gov:         NewGovernor(cfg.idleDebounce, cfg.timeout),
		cb:          cb,
		notify:      n,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "exchange-runner")),
		pendingCh:   make(chan pendingCheck, 1),
		sawActivity: ex.Resumed,
	}
}

// run consumes reader until the exchange ends or ctx is cancelled.
func (r *runner) run(ctx context.Context, reader *opencode.EventReader) {
	defer close(r.h.done)
	defer r.gov.Stop()

	ctx, span := tracing.TraceExchange(ctx, r.ex.SessionID, r.ex.ID, r.ex.Resumed)
	defer span.End()

	events := make(chan *opencode.Event, eventBuffer)
	snapshots := make(chan []opencode.MessageEnvelope, 1)
	var streamErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		for ev, err := range reader.Events(gctx) {
			if err != nil {
				streamErr = err
				return nil
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	if r.cfg.pollInterval > 0 {
		poller := NewPoller(r.cmds, r.ex.SessionID, r.cfg.pollInterval, r.logger)
		g.Go(func() error {
			return poller.Run(gctx, snapshots)
		})
	}

	r.logger.Debug("exchange started", zap.Bool("resumed", r.ex.Resumed))
	outcome := r.loop(gctx, events, snapshots, &streamErr)

	r.h.cancel()
	_ = reader.Close()
	_ = g.Wait()

	tracing.TraceExchangeResult(span, outcome, r.ex.PartCount(), r.err)
	r.logger.Debug("exchange ended",
		zap.String("outcome", outcome),
		zap.Int("parts", r.ex.PartCount()))
}

func (r *runner) loop(ctx context.Context, events <-chan *opencode.Event,
	snapshots <-chan []opencode.MessageEnvelope, streamErr *error) string {
	for {
		select {
		case <-ctx.Done():
			return outcomeCancelled

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return outcomeCancelled
				}
				cause := *streamErr
				if cause == nil || errors.Is(cause, io.EOF) {
					cause = io.ErrUnexpectedEOF
				}
				r.fail(ctx, &opencode.TransportError{Operation: "event stream", Cause: cause})
				return outcomeTransport
			}
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			if outcome := r.handleEvent(ctx, ev); outcome != "" {
				return outcome
			}

		case messages := <-snapshots:
			upd, ok := r.rec.ApplySnapshot(messages)
			if !ok {
				continue
			}
			r.logger.Debug("applied snapshot", zap.Int("parts", len(upd.Parts)))
			if outcome := r.emit(ctx, upd, false); outcome != "" {
				return outcome
			}

		case msg := <-r.h.control:
			if outcome := r.handleControl(ctx, msg); outcome != "" {
				return outcome
			}

		case gen := <-r.gov.IdleFired():
			if !r.gov.Current(gen) || r.h.HasReceivedQuestion() {
				continue
			}
			go r.checkPending(ctx, gen)

		case res := <-r.pendingCh:
			if !r.gov.Current(res.gen) {
				continue
			}
			r.gov.CancelIdle()
			if res.err != nil {
				r.logger.Warn("pending question check failed", zap.Error(res.err))
			}
			if len(res.questions) > 0 {
				r.ask(ctx, res.questions[0], res.questions[1:])
				continue
			}
			r.complete(ctx, false, false)
			return outcomeCompleted

		case <-r.gov.Ceiling():
			if r.h.HasReceivedParts() {
				r.complete(ctx, true, false)
				return outcomeTimedOut
			}
			r.fail(ctx, &TimeoutError{Elapsed: time.Since(r.h.StartedAt)})
			return outcomeTimeout
		}
	}
}

func (r *runner) handleEvent(ctx context.Context, ev *opencode.Event) string {
	if sid := ev.SessionID(); sid != "" && sid != r.ex.SessionID {
		return ""
	}
	r.logger.Debug("event", zap.String("type", ev.Type))

	switch ev.Type {
	case opencode.EventMessageUpdated, opencode.EventMessagePartUpdated, opencode.EventMessagePartRemoved:
		return r.emit(ctx, r.rec.Apply(ev), true)

	case opencode.EventSessionStatus:
		st := gjson.GetBytes(ev.Properties, "status")
		status := opencode.SessionStatus{
			Type:    coerceString(st),
			Attempt: coerceInt(st.Get("attempt")),
			Message: coerceString(st.Get("message")),
		}
		r.statusChanged(ctx, status)

	case opencode.EventSessionIdle:
		r.statusChanged(ctx, opencode.SessionStatus{Type: opencode.StatusIdle})

	case opencode.EventSessionError:
		var props opencode.SessionErrorProperties
		_ = json.Unmarshal(ev.Properties, &props)
		serr := &SessionError{SessionID: r.ex.SessionID, Kind: "unknown"}
		if props.Error != nil {
			serr.Kind = props.Error.GetKind()
			serr.Message = props.Error.GetMessage()
		}
		r.fail(ctx, serr)
		return outcomeSessionError

	case opencode.EventTodoUpdated:
		var props opencode.TodoUpdatedProperties
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			r.logger.Debug("undecodable todo update", zap.Error(err))
			return ""
		}
		if fn := r.cb.OnTodosUpdated; fn != nil {
			todos := props.Todos
			r.notify.post(ctx, func() { fn(todos) })
		}

	case opencode.EventQuestionAsked:
		q, ok := opencode.ParsePendingQuestion(ev.Properties)
		if !ok {
			return ""
		}
		if q.SessionID == "" {
			q.SessionID = r.ex.SessionID
		}
		r.ask(ctx, q, nil)

	case opencode.EventQuestionReplied, opencode.EventQuestionRejected:
		id := coerceString(gjson.GetBytes(ev.Properties, "requestID"))
		if id == "" {
			id = coerceString(gjson.GetBytes(ev.Properties, "id"))
		}
		if id != "" && r.q.Settle(id) {
			r.rearm()
		}
	}
	return ""
}

func (r *runner) statusChanged(ctx context.Context, status opencode.SessionStatus) {
	if fn := r.cb.OnStatusChanged; fn != nil {
		exchangeID := r.ex.ID
		r.notify.post(ctx, func() { fn(exchangeID, status) })
	}
	switch status.Type {
	case opencode.StatusIdle:
		if !r.sawActivity || r.h.HasReceivedQuestion() {
			return
		}
		r.gov.ArmIdle()
	case opencode.StatusBusy, opencode.StatusRetry:
		r.sawActivity = true
		r.gov.CancelIdle()
	}
}

// emit delivers an update and applies the stop rule. Stream updates count as
// activity; snapshot updates only heal history.
func (r *runner) emit(ctx context.Context, upd Update, fromStream bool) string {
	if upd.Message != nil || upd.Changed() {
		r.sawActivity = true
	}
	if len(upd.Parts) > 0 {
		r.h.hasReceivedParts.Store(true)
	}
	if fromStream && upd.Changed() {
		r.gov.CancelIdle()
	}

	exchangeID := r.ex.ID
	if fn := r.cb.OnPartUpdated; fn != nil {
		for _, p := range upd.Parts {
			part := p
			r.notify.post(ctx, func() { fn(exchangeID, part) })
		}
	}
	if fn := r.cb.OnPartRemoved; fn != nil {
		for _, id := range upd.Removed {
			partID := id
			r.notify.post(ctx, func() { fn(exchangeID, partID) })
		}
	}
	if fn := r.cb.OnMessageUpdated; fn != nil && upd.Message != nil {
		info := *upd.Message
		r.notify.post(ctx, func() { fn(exchangeID, info) })
	}

	if !upd.Finished {
		return ""
	}
	if r.h.HasReceivedQuestion() {
		r.logger.Debug("stop deferred by pending question")
		return ""
	}
	r.complete(ctx, false, false)
	return outcomeCompleted
}

func (r *runner) handleControl(ctx context.Context, msg controlMsg) string {
	switch msg.kind {
	case ctrlRearm:
		// A rearm for a question that was already replaced must not lift
		// suppression for the newer one.
		if active := r.q.Active(); active != nil && active.ID != msg.questionID {
			r.logger.Debug("stale rearm ignored",
				zap.String("question_id", msg.questionID), zap.String("active_id", active.ID))
			return ""
		}
		r.rearm()
	case ctrlAbort:
		r.q.Settle("")
		r.complete(ctx, false, true)
		return outcomeAborted
	}
	return ""
}

// rearm re-enables completion after a question is resolved.
func (r *runner) rearm() {
	r.h.hasReceivedQuestion.Store(false)
	r.gov.ResetCeiling()
}

func (r *runner) ask(ctx context.Context, q opencode.PendingQuestion, others []opencode.PendingQuestion) {
	r.gov.CancelIdle()
	r.h.hasReceivedQuestion.Store(true)
	if len(others) > 0 {
		ids := make([]string, 0, len(others))
		for _, o := range others {
			ids = append(ids, o.ID)
		}
		r.q.SetPending(ids)
	}
	if !r.q.Ask(q) {
		return
	}
	r.logger.Info("question pending", zap.String("question_id", q.ID))
	if fn := r.cb.OnQuestion; fn != nil {
		r.notify.post(ctx, func() { fn(q) })
	}
}

func (r *runner) checkPending(ctx context.Context, gen uint64) {
	questions, err := r.cmds.ListPendingQuestions(ctx, r.ex.SessionID)
	select {
	case r.pendingCh <- pendingCheck{gen: gen, questions: questions, err: err}:
	case <-ctx.Done():
	}
}

// complete delivers OnComplete once and settles the active question. Cancelled
// runners stay silent.
func (r *runner) complete(ctx context.Context, timedOut, aborted bool) {
	if ctx.Err() != nil || !r.h.completed.CompareAndSwap(false, true) {
		return
	}
	r.ex.Complete = true
	if !timedOut {
		r.q.Settle("")
	}
	res := r.ex.Result()
	res.TimedOut = timedOut
	res.Aborted = aborted
	if fn := r.cb.OnComplete; fn != nil {
		r.notify.post(ctx, func() { fn(res) })
	}
}

// fail delivers OnError once with the partial result. The active question
// survives transport failures and timeouts so it can still be answered.
func (r *runner) fail(ctx context.Context, err error) {
	if ctx.Err() != nil || !r.h.completed.CompareAndSwap(false, true) {
		return
	}
	r.err = err
	var serr *SessionError
	if errors.As(err, &serr) {
		r.q.Settle("")
	}
	r.logger.Warn("exchange failed", zap.Error(err))
	partial := r.ex.Result()
	if fn := r.cb.OnError; fn != nil {
		r.notify.post(ctx, func() { fn(err, partial) })
	}
}
