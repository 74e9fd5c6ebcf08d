package daemon

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// NotificationsHandler streams bus events to WebSocket clients. The
// socket is push-only; inbound frames are drained and ignored.
type NotificationsHandler struct {
	bus      *Bus
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewNotificationsHandler constructs the notifications endpoint handler.
func NewNotificationsHandler(bus *Bus, logger *log.Logger) *NotificationsHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &NotificationsHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *NotificationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	events, cancel := h.bus.Subscribe()

	// Reader goroutine: its only job is to notice the peer going away
	// and unsubscribe, which ends the send loop below.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for payload := range events {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			break
		}
	}
	cancel()
	_ = conn.Close()
}
