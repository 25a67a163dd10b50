package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

type healthChecker interface {
	Health(ctx context.Context) (opencode.HealthResponse, error)
}

// RegisterRoutes adds the REST API. REST calls are stateless and talk to the
// agent server directly; exchanges run over the WebSocket gateway.
func (s *Service) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", s.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/sessions", s.httpListSessions)
	api.POST("/sessions", s.httpCreateSession)
	api.DELETE("/sessions/:id", s.httpDeleteSession)
	api.POST("/sessions/:id/abort", s.httpAbortSession)
	api.GET("/sessions/:id/messages", s.httpSessionMessages)
	api.GET("/questions", s.httpListQuestions)
	api.POST("/questions/:id/reply", s.httpReplyQuestion)
	api.POST("/questions/:id/reject", s.httpRejectQuestion)
	api.GET("/models", s.httpListModels)
}

// httpError writes the JSON error body for err.
func (s *Service) httpError(c *gin.Context, err error, fallback string) {
	var failed *opencode.CommandFailed
	var transport *opencode.TransportError
	switch {
	case errors.As(err, &failed):
		status := http.StatusBadGateway
		if failed.Status == http.StatusNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": fallback, "operation": failed.Operation, "upstream_status": failed.Status})
	case errors.As(err, &transport):
		c.JSON(http.StatusBadGateway, gin.H{"error": fallback, "operation": transport.Operation})
	default:
		s.logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func (s *Service) httpHealth(c *gin.Context) {
	resp := gin.H{"status": "ok", "service": "candyshop", "clients": s.ActiveClients()}
	checker, ok := s.cmds.(healthChecker)
	if !ok {
		c.JSON(http.StatusOK, resp)
		return
	}
	health, err := checker.Health(c.Request.Context())
	if err != nil || !health.Healthy {
		resp["status"] = "degraded"
		resp["agent"] = gin.H{"healthy": false}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["agent"] = gin.H{"healthy": true, "version": health.Version}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) httpListSessions(c *gin.Context) {
	sessions, err := s.cmds.ListSessions(c.Request.Context())
	if err != nil {
		s.httpError(c, err, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []opencode.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Service) httpCreateSession(c *gin.Context) {
	var body CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	info, err := s.cmds.CreateSession(c.Request.Context(), body.Title)
	if err != nil {
		s.httpError(c, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Service) httpDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.cmds.DeleteSession(c.Request.Context(), id); err != nil {
		s.httpError(c, err, "failed to delete session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": id})
}

func (s *Service) httpAbortSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.cmds.AbortSession(c.Request.Context(), id); err != nil {
		s.httpError(c, err, "failed to abort session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": id})
}

func (s *Service) httpSessionMessages(c *gin.Context) {
	raw, err := s.cmds.GetSessionMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.httpError(c, err, "failed to get messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": session.NormalizeHistory(raw)})
}

func (s *Service) httpListQuestions(c *gin.Context) {
	questions, err := s.cmds.ListPendingQuestions(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		s.httpError(c, err, "failed to list questions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

type httpReplyRequest struct {
	Answers  [][]string `json:"answers"`
	Selected []string   `json:"selected"`
	Custom   string     `json:"custom"`
}

func (s *Service) httpReplyQuestion(c *gin.Context) {
	var body httpReplyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	answers := body.Answers
	if len(answers) == 0 {
		answer := session.ComposeAnswer(body.Selected, body.Custom)
		if len(answer) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "answers, selected or custom is required"})
			return
		}
		answers = [][]string{answer}
	}
	id := c.Param("id")
	if err := s.cmds.ReplyToQuestion(c.Request.Context(), id, answers); err != nil {
		s.httpError(c, err, "failed to reply to question")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "question_id": id})
}

func (s *Service) httpRejectQuestion(c *gin.Context) {
	id := c.Param("id")
	if err := s.cmds.RejectQuestion(c.Request.Context(), id); err != nil {
		s.httpError(c, err, "failed to reject question")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "question_id": id})
}

func (s *Service) httpListModels(c *gin.Context) {
	models, def, err := s.cmds.GetModels(c.Request.Context())
	if err != nil {
		s.httpError(c, err, "failed to list models")
		return
	}
	if models == nil {
		models = []opencode.ProviderModel{}
	}
	c.JSON(http.StatusOK, ModelsResponse{Models: models, Default: def})
}
