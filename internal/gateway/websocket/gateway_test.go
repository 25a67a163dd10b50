package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
	ws "github.com/tao-shen/candy-shop-sub000/pkg/websocket"
)

const actionWhoAmI = "test.whoami"

type closeRecorder struct {
	closed chan string
}

func (r *closeRecorder) ConnectionClosed(id string) {
	r.closed <- id
}

type gatewayHarness struct {
	gateway  *Gateway
	bus      *bus.MemoryEventBus
	server   *httptest.Server
	observer *closeRecorder
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	g := NewGateway(memBus, log)
	g.Dispatcher.RegisterFunc(actionWhoAmI, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"connection_id": ws.ConnectionID(ctx)})
	})
	observer := &closeRecorder{closed: make(chan string, 4)}
	g.Hub.AddObserver(observer)

	ctx, cancel := context.WithCancel(context.Background())
	go g.Hub.Run(ctx)
	t.Cleanup(cancel)

	router := gin.New()
	g.SetupRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayHarness{gateway: g, bus: memBus, server: server, observer: observer}
}

func (h *gatewayHarness) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *gorillaws.Conn, id, action string, payload any) *ws.Message {
	t.Helper()
	req, err := ws.NewRequest(id, action, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	return readMessage(t, conn)
}

func readMessage(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func TestGateway_HealthCheck(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	resp := roundTrip(t, conn, "h1", ws.ActionHealthCheck, nil)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Equal(t, "h1", resp.ID)

	var health map[string]any
	require.NoError(t, resp.ParsePayload(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "candyshop", health["service"])
	assert.EqualValues(t, 1, health["connections"])
}

func TestGateway_UnknownActionAndBadFrame(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	resp := roundTrip(t, conn, "u1", "no.such.action", nil)
	require.Equal(t, ws.MessageTypeError, resp.Type)
	var p ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&p))
	assert.Equal(t, ws.ErrorCodeUnknownAction, p.Code)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	bad := readMessage(t, conn)
	require.Equal(t, ws.MessageTypeError, bad.Type)
	require.NoError(t, bad.ParsePayload(&p))
	assert.Equal(t, ws.ErrorCodeBadRequest, p.Code)
}

func TestGateway_ForwardsConnectionEvents(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	resp := roundTrip(t, conn, "w1", actionWhoAmI, nil)
	var who map[string]string
	require.NoError(t, resp.ParsePayload(&who))
	connectionID := who["connection_id"]
	require.NotEmpty(t, connectionID)

	event, err := bus.NewEvent(events.ExchangeComplete, "test", map[string]string{"text": "done"})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), events.BuildChatSubject("someone-else"), event))
	require.NoError(t, h.bus.Publish(context.Background(), events.BuildChatSubject(connectionID), event))

	note := readMessage(t, conn)
	require.Equal(t, ws.MessageTypeNotification, note.Type)
	assert.Equal(t, events.ExchangeComplete, note.Action)
	var body map[string]string
	require.NoError(t, note.ParsePayload(&body))
	assert.Equal(t, "done", body["text"])
}

func TestGateway_NotifiesObserverOnClose(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	resp := roundTrip(t, conn, "w1", actionWhoAmI, nil)
	var who map[string]string
	require.NoError(t, resp.ParsePayload(&who))

	require.NoError(t, conn.Close())

	select {
	case id := <-h.observer.closed:
		assert.Equal(t, who["connection_id"], id)
	case <-time.After(3 * time.Second):
		t.Fatal("observer was not notified")
	}
	assert.Eventually(t, func() bool { return h.gateway.Hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
