package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// RegisterWebSocket registers the /chat/ws endpoint.
func (s *Server) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/chat/ws", s.handleWS)
}

// handleWS serves chat over a WebSocket: each text message from the client is
// one chatRequest, answered by the full event stream before the next message
// is read.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cr chatRequest
		if err := json.Unmarshal(raw, &cr); err != nil || cr.Message == "" || cr.SessionID == "" {
			_ = conn.WriteJSON(events.Error("malformed chat message"))
			continue
		}
		if !s.limiter(cr.SessionID).Allow() {
			_ = conn.WriteJSON(events.Error("rate limit exceeded"))
			continue
		}

		req, err := s.buildRequest(cr)
		if err != nil {
			s.logger.Warn("rejected ws chat request", zap.Error(err))
			_ = conn.WriteJSON(events.Error("invalid request"))
			continue
		}

		for ev := range s.chat.StreamChat(r.Context(), req) {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, ev.Marshal()); err != nil {
				s.logger.Info("ws client disconnected", zap.String("session_id", cr.SessionID))
				return
			}
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	}
}
