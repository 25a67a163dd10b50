package chat

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/events"
	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
	ws "github.com/tao-shen/candy-shop-sub000/pkg/websocket"
)

// RegisterHandlers registers the session, exchange, question and model actions.
func (s *Service) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionSessionCreate, s.wsCreateSession)
	d.RegisterFunc(ws.ActionSessionList, s.wsListSessions)
	d.RegisterFunc(ws.ActionSessionDelete, s.wsDeleteSession)
	d.RegisterFunc(ws.ActionSessionSwitch, s.wsSwitchSession)
	d.RegisterFunc(ws.ActionExchangeStart, s.wsStartExchange)
	d.RegisterFunc(ws.ActionExchangeAbort, s.wsAbortExchange)
	d.RegisterFunc(ws.ActionQuestionAnswer, s.wsAnswerQuestion)
	d.RegisterFunc(ws.ActionQuestionReject, s.wsRejectQuestion)
	d.RegisterFunc(ws.ActionQuestionList, s.wsQuestionStatus)
	d.RegisterFunc(ws.ActionModelsList, s.wsListModels)
}

// connectionClient resolves the session client of the connection a message arrived on.
func (s *Service) connectionClient(ctx context.Context, msg *ws.Message) (*session.Client, *ws.Message) {
	id := ws.ConnectionID(ctx)
	if id == "" {
		resp, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "no connection", nil)
		return nil, resp
	}
	return s.clientFor(id), nil
}

func badRequest(msg *ws.Message, text string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, text, nil)
}

// errorResponse maps a session or command error to a ws error message.
func errorResponse(msg *ws.Message, err error) (*ws.Message, error) {
	var failed *opencode.CommandFailed
	var transport *opencode.TransportError
	switch {
	case errors.Is(err, session.ErrNoQuestion), errors.Is(err, session.ErrNoSession):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	case errors.Is(err, session.ErrInvalidTransition):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeConflict, err.Error(), nil)
	case errors.As(err, &failed):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUpstream, err.Error(), map[string]any{
			"operation": failed.Operation,
			"status":    failed.Status,
		})
	case errors.As(err, &transport):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUpstream, err.Error(), map[string]any{
			"operation": transport.Operation,
		})
	default:
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
}

func (s *Service) wsCreateSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreateSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badRequest(msg, "invalid payload: "+err.Error())
	}
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	info, err := c.CreateSession(ctx, req.Title)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, info)
}

func (s *Service) wsListSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return errorResponse(msg, err)
	}
	if sessions == nil {
		sessions = []opencode.SessionInfo{}
	}
	return ws.NewResponse(msg.ID, msg.Action, SessionListResponse{Sessions: sessions, Current: c.SessionID()})
}

func (s *Service) wsDeleteSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badRequest(msg, "invalid payload: "+err.Error())
	}
	if req.SessionID == "" {
		return badRequest(msg, "session_id is required")
	}
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	if err := c.DeleteSession(ctx, req.SessionID); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "session_id": req.SessionID})
}

func (s *Service) wsSwitchSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badRequest(msg, "invalid payload: "+err.Error())
	}
	if req.SessionID == "" {
		return badRequest(msg, "session_id is required")
	}
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	q, err := c.SwitchSession(ctx, req.SessionID)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, SwitchSessionResponse{SessionID: req.SessionID, Question: q})
}

func (s *Service) wsStartExchange(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StartExchangeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badRequest(msg, "invalid payload: "+err.Error())
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return badRequest(msg, "text or files are required")
	}
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}

	exReq := session.ExchangeRequest{
		SessionID: req.SessionID,
		Text:      req.Text,
		System:    req.System,
		Agent:     req.Agent,
	}
	for _, f := range req.Files {
		exReq.Files = append(exReq.Files, opencode.FilePart(f.Mime, f.Filename, f.URL))
	}
	if req.Model != nil && req.Model.ProviderID != "" && req.Model.ModelID != "" {
		exReq.Model = &opencode.ModelRef{ProviderID: req.Model.ProviderID, ModelID: req.Model.ModelID}
	}

	connectionID := ws.ConnectionID(ctx)
	exchangeID, err := c.StartExchange(ctx, exReq, s.callbacks(connectionID))
	if err != nil {
		return errorResponse(msg, err)
	}
	out := StartExchangeResponse{ExchangeID: exchangeID, SessionID: c.SessionID()}
	s.publish(connectionID, events.ExchangeStarted, out)
	s.logger.Debug("exchange started over websocket",
		zap.String("connection_id", connectionID),
		zap.String("exchange_id", exchangeID))
	return ws.NewResponse(msg.ID, msg.Action, out)
}

func (s *Service) wsAbortExchange(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	if err := c.Abort(ctx); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true})
}

func (s *Service) wsAnswerQuestion(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req AnswerQuestionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badRequest(msg, "invalid payload: "+err.Error())
	}
	if req.QuestionID == "" {
		return badRequest(msg, "question_id is required")
	}
	answers := req.Answers
	if len(answers) == 0 {
		answers = [][]string{session.ComposeAnswer(req.Selected, req.Custom)}
	}
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	if err := c.AnswerQuestion(ctx, req.QuestionID, answers); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "question_id": req.QuestionID})
}

func (s *Service) wsRejectQuestion(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req QuestionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return badRequest(msg, "invalid payload: "+err.Error())
	}
	if req.QuestionID == "" {
		return badRequest(msg, "question_id is required")
	}
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	if err := c.RejectQuestion(ctx, req.QuestionID); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "question_id": req.QuestionID})
}

func (s *Service) wsQuestionStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	return ws.NewResponse(msg.ID, msg.Action, QuestionStatusResponse{
		State:    c.QuestionState().String(),
		Question: c.PendingQuestion(),
	})
}

func (s *Service) wsListModels(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	c, resp := s.connectionClient(ctx, msg)
	if resp != nil {
		return resp, nil
	}
	models, def, err := c.Models(ctx)
	if err != nil {
		return errorResponse(msg, err)
	}
	if models == nil {
		models = []opencode.ProviderModel{}
	}
	return ws.NewResponse(msg.ID, msg.Action, ModelsResponse{Models: models, Default: def})
}
