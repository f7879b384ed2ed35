package gateway

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) WriteFrame(kind FrameKind, data []byte) error {
	mt := websocket.TextMessage
	if kind == FrameBinary {
		mt = websocket.BinaryMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(mt, data)
}

func (s *wsSink) writePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *wsSink) writeCloseSafe(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteTimeout))
}

func (s *wsSink) Close() error {
	s.writeCloseSafe(websocket.CloseNormalClosure, "")
	return s.conn.Close()
}

// ServeWS upgrades an HTTP request to a client connection for userID.
// A ?session_id= query parameter asks to resume a detached session.
//
// Protocol:
//
//	client → hub:  {"type": "text_input", "content": "...", "language": "en"}
//	client → hub:  {"type": "audio_input", "format": "wav", "sample_rate": 16000} + binary frame
//	client → hub:  {"type": "ping"}
//	hub → client:  {"type": "session", "data": {"session_id": "...", "user_id": "..."}}
//	hub → client:  {"type": "llm_response" | "tts_response" | "animation" | "error", "data": {...}}
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] ⚠️ Upgrade failed: %v", err)
		return
	}
	raw.SetReadLimit(int64(m.cfg.MaxAudioBytes) + 1024)

	sink := &wsSink{conn: raw}
	connID := uuid.NewString()
	sessionID, err := m.OnConnect(connID, userID, r.URL.Query().Get("session_id"), sink)
	if err != nil {
		log.Printf("[WS] ⚠️ Rejected %s: %v", r.RemoteAddr, err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrSessionInUse) {
			code = websocket.ClosePolicyViolation
		}
		sink.writeCloseSafe(code, err.Error())
		raw.Close()
		return
	}
	m.Send(connID, FrameText, EncodeControl(TypeSession, map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
	}))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sink.writePing(); err != nil {
					return
				}
			}
		}
	}()

	raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	var cause error
	for {
		mt, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] ⚠️ Error: %v", err)
				cause = err
			}
			break
		}
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))

		kind := FrameText
		if mt == websocket.BinaryMessage {
			kind = FrameBinary
		}
		// Malformed frames are answered in-band; the connection stays open.
		if err := m.OnInboundFrame(connID, kind, message); errors.Is(err, ErrUnknownConnection) {
			break
		}
	}
	m.OnDisconnect(connID, cause)
}
