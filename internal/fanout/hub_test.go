package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/decision-core/internal/models"
)

func TestHubStreamsChannelEvents(t *testing.T) {
	bus := NewBus()
	hub := NewHub(bus)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("channel"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?channel=ops.alerts", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ready map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	assert.Equal(t, "ready", ready["type"])
	require.Equal(t, 1, bus.Subscribers("ops.alerts"))

	require.NoError(t, bus.Publish(ctx, "ops.alerts", Event{
		Type:     EventDecision,
		Channel:  "ops.alerts",
		Decision: models.Decision{ID: "d-9", Category: "critical", Severe: true},
	}))

	var got Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "d-9", got.Decision.ID)
	assert.True(t, got.Decision.Severe)
}
