package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

func TestRouteAttributes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var got []attribute.KeyValue
	capture := func(c *gin.Context) {
		got = routeAttributes(c, c.FullPath())
		c.Status(http.StatusNoContent)
	}
	r := gin.New()
	r.GET("/api/v1/sessions/:id/messages", capture)
	r.POST("/api/v1/questions/:id/reply", capture)
	r.GET("/api/v1/questions", capture)
	r.GET("/ws", capture)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   map[attribute.Key]attribute.Value
	}{
		{"session route", http.MethodGet, "/api/v1/sessions/ses_1/messages", nil,
			map[attribute.Key]attribute.Value{"candyshop.session_id": attribute.StringValue("ses_1")}},
		{"question route", http.MethodPost, "/api/v1/questions/q1/reply", nil,
			map[attribute.Key]attribute.Value{"candyshop.question_id": attribute.StringValue("q1")}},
		{"session query", http.MethodGet, "/api/v1/questions?session_id=ses_2", nil,
			map[attribute.Key]attribute.Value{"candyshop.session_id": attribute.StringValue("ses_2")}},
		{"websocket upgrade", http.MethodGet, "/ws", map[string]string{"Upgrade": "websocket"},
			map[attribute.Key]attribute.Value{"candyshop.ws_upgrade": attribute.BoolValue(true)}},
		{"nothing to tag", http.MethodGet, "/api/v1/questions", nil, map[attribute.Key]attribute.Value{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(tt.method, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)

			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for _, kv := range got {
				if want, ok := tt.want[kv.Key]; !ok || want != kv.Value {
					t.Errorf("attribute %s = %v, want %v", kv.Key, kv.Value.Emit(), want.Emit())
				}
			}
		})
	}
}
