package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var streamsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "livemap_streams",
	Help: "Open websocket state streams",
})

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// stream pushes every published state of the session over a websocket and
// dispatches event frames the client sends. One stream per session.
func (h *HTTP) stream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !s.streaming.CompareAndSwap(false, true) {
		http.Error(w, "session already streaming", http.StatusConflict)
		return
	}
	defer func() {
		s.touch(h.sessions.now())
		s.streaming.Store(false)
	}()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	streamsGauge.Inc()
	defer streamsGauge.Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readEvents(conn, s)
	}()
	h.writeStates(conn, s, done)
	_ = conn.Close()
	<-done
}

func (h *HTTP) readEvents(conn *websocket.Conn, s *session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream read", zap.String("session", s.id.String()), zap.Error(err))
			}
			return
		}
		var req eventRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			h.logger.Debug("invalid stream frame", zap.String("session", s.id.String()), zap.Error(err))
			continue
		}
		ev, err := req.toEvent()
		if err != nil {
			h.logger.Debug("invalid stream event", zap.String("session", s.id.String()), zap.Error(err))
			continue
		}
		s.ctrl.Dispatch(ev)
	}
}

func (h *HTTP) writeStates(conn *websocket.Conn, s *session, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	updates := s.ctrl.Updates()
	// A pending update predates the snapshot sent below.
	select {
	case <-updates:
	default:
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.ctrl.State()); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case state, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(state); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
