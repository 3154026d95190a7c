package fanout

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Hub streams bus events to WebSocket clients.
type Hub struct {
	bus            *Bus
	buffer         int
	writeTimeout   time.Duration
	originPatterns []string
	logger         *slog.Logger
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithOriginPatterns sets the accepted cross-origin hosts.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = append([]string(nil), patterns...) }
}

// WithBuffer sets how many events may queue for one slow client before
// further events are dropped for it.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub constructs a Hub reading from bus.
func NewHub(bus *Bus, opts ...HubOption) *Hub {
	h := &Hub{bus: bus, buffer: 64, writeTimeout: 5 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve upgrades the request and streams channel until the client leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan Event, h.buffer)
	err = h.bus.Subscribe(ctx, channel, func(_ context.Context, event Event) {
		select {
		case events <- event:
		default:
			h.logger.Warn("subscriber too slow, dropping event", slog.String("channel", channel), slog.String("decision_id", event.Decision.ID))
		}
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	_ = wsjson.Write(ctx, conn, map[string]string{"type": "ready", "channel": channel})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt := <-events:
			writeCtx, cancelWrite := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
