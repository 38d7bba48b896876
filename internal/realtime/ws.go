package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Upgrader is shared across connections; CheckOrigin is permissive because
// the operator UI and the control plane are expected to be co-deployed
// behind a reverse proxy that enforces its own origin policy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebSocketSubscriber adapts one upgraded connection to the Subscriber
// interface: the serving goroutine decodes each inbound WebSocket message
// as one JSON object, a writer goroutine drains the bounded outbound queue
// (§4.7, §9).
type WebSocketSubscriber struct {
	*baseSubscriber
	conn   *websocket.Conn
	logger *slog.Logger
}

// Serve upgrades r/w to a WebSocket connection, registers the resulting
// subscriber with hub, and blocks until the connection closes.
func Serve(hub Hub, w http.ResponseWriter, r *http.Request, logger *slog.Logger) error {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	sub := &WebSocketSubscriber{
		baseSubscriber: newBaseSubscriber(uuid.New().String(), ctx, cancel),
		conn:           conn,
		logger:         logger.With("subscriber_id", "ws"),
	}

	hub.Subscribe(sub)
	defer hub.Unsubscribe(sub)

	go sub.writeLoop()
	sub.readLoop(hub)
	return nil
}

func (s *WebSocketSubscriber) Send(event Event) error {
	return s.enqueue(event)
}

func (s *WebSocketSubscriber) Close() error {
	s.close()
	return s.conn.Close()
}

func (s *WebSocketSubscriber) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case event, ok := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *WebSocketSubscriber) readLoop(hub Hub) {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("malformed inbound frame", "error", err)
			continue
		}
		hub.HandleInbound(s.ctx, s, msg)
	}
}
