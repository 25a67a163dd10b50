package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tao-shen/candy-shop-sub000/internal/common/httpmw"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

func newRouter(t *testing.T, h *harness) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(httpmw.RequestID(), httpmw.OtelTracing("candyshop-test"), httpmw.RequestLogger(logger.NewNop(), "candyshop-test"))
	h.svc.RegisterRoutes(router)
	return router
}

func serve(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHTTP_Health(t *testing.T) {
	h := setup(t)
	router := newRouter(t, h)

	w := serve(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(httpmw.RequestIDHeader))

	var body map[string]any
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "test", agent["version"])

	h.agent.Close()
	w = serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHTTP_Sessions(t *testing.T) {
	h := setup(t)
	router := newRouter(t, h)

	w := serve(router, http.MethodPost, "/api/v1/sessions", `{"title":"from rest"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var info opencode.SessionInfo
	decodeBody(t, w, &info)
	assert.Equal(t, "ses_1", info.ID)
	assert.Equal(t, "from rest", info.Title)

	w = serve(router, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = serve(router, http.MethodPost, "/api/v1/sessions", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []opencode.SessionInfo `json:"sessions"`
	}
	decodeBody(t, w, &list)
	assert.Len(t, list.Sessions, 2)

	w = serve(router, http.MethodDelete, "/api/v1/sessions/ses_1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ses_1"}, h.agent.Deleted())

	w = serve(router, http.MethodPost, "/api/v1/sessions/ses_2/abort", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ses_2"}, h.agent.Aborted())
}

func TestHTTP_SessionMessages(t *testing.T) {
	h := setup(t)
	router := newRouter(t, h)
	h.agent.SetMessages("ses_4", []opencode.MessageEnvelope{{
		Info:  json.RawMessage(`{"id":"a1","sessionID":"ses_4","role":"assistant","parentID":"u1"}`),
		Parts: []json.RawMessage{json.RawMessage(`{"id":"p1","messageID":"a1","type":"text","text":"hello"}`)},
	}})

	w := serve(router, http.MethodGet, "/api/v1/sessions/ses_4/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Messages []struct {
			Info  map[string]any   `json:"info"`
			Parts []map[string]any `json:"parts"`
		} `json:"messages"`
	}
	decodeBody(t, w, &body)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "assistant", body.Messages[0].Info["role"])
	assert.Equal(t, "hello", body.Messages[0].Parts[0]["text"])
}

func TestHTTP_Questions(t *testing.T) {
	h := setup(t)
	router := newRouter(t, h)
	h.agent.AddQuestion("ses_1", "q1", "Pick", "red", "blue")
	h.agent.AddQuestion("ses_2", "q2", "Other", "yes")

	w := serve(router, http.MethodGet, "/api/v1/questions?session_id=ses_1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Questions []opencode.PendingQuestion `json:"questions"`
	}
	decodeBody(t, w, &list)
	require.Len(t, list.Questions, 1)
	assert.Equal(t, "q1", list.Questions[0].ID)

	w = serve(router, http.MethodPost, "/api/v1/questions/q1/reply", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodPost, "/api/v1/questions/q1/reply", `{"selected":["red"],"custom":"and a bit of blue"}`)
	require.Equal(t, http.StatusOK, w.Code)
	answers, ok := h.agent.Reply("q1")
	require.True(t, ok)
	assert.Equal(t, [][]string{{"red", "and a bit of blue"}}, answers)

	w = serve(router, http.MethodPost, "/api/v1/questions/q2/reject", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"q2"}, h.agent.Rejected())
}

func TestHTTP_ModelsAndUpstreamFailure(t *testing.T) {
	h := setup(t)
	router := newRouter(t, h)

	w := serve(router, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	var models ModelsResponse
	decodeBody(t, w, &models)
	require.Len(t, models.Models, 1)
	require.NotNil(t, models.Default)
	assert.Equal(t, "openai", models.Default.ProviderID)

	h.agent.Close()
	w = serve(router, http.MethodGet, "/api/v1/models", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]any
	decodeBody(t, w, &body)
	assert.Equal(t, "failed to list models", body["error"])
}
