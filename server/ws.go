package server

import (
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"chatrelay/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 64 << 10
	// maxCloseReason is the room left for the reason in a 125-byte close frame.
	maxCloseReason = 123
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// wsConn is one WebSocket client. Frames are queued on send and written by
// writePump; a client that lets its queue fill up is disconnected.
type wsConn struct {
	id  string
	ws  *websocket.Conn
	log *zap.Logger

	send    chan []byte
	done    chan struct{}
	stopped chan struct{} // closed when writePump returns

	writeWait    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int
	closeText string
}

func newWSConn(ws *websocket.Conn, cfg *ServerConfig, log *zap.Logger) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		log:          log,
		send:         make(chan []byte, cfg.SendQueue),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		writeWait:    cfg.WriteTimeout,
		pongWait:     cfg.ReadTimeout,
		pingInterval: cfg.PingInterval,
		closeCode:    websocket.CloseNormalClosure,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
		return errQueueFull
	}
}

// closeReason cuts text to fit a close frame without splitting a rune.
func closeReason(text string) string {
	if len(text) <= maxCloseReason {
		return text
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// closeWith asks the write pump to send a close frame and drop the connection.
// Only the first call decides the code and reason.
func (c *wsConn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeText = closeReason(text)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) readPump(handle func([]byte)) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("ws_read_failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(raw)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.stopped)
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(code, text)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			}
			return
		}
	}
}

// flush writes frames already queued before the close frame goes out.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newWSConn(ws, s.config, s.log)
	if !s.addConn(conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WriteTimeout))
		_ = ws.Close()
		return
	}
	s.log.Debug("ws_connected", zap.String("conn", conn.id), zap.String("remote", r.RemoteAddr))

	session := s.gateway.Open(conn)
	go conn.writePump()

	conn.readPump(func(frame []byte) {
		// Errors were already reported to the client as error events.
		_ = session.HandleFrame(frame)
	})

	session.Close()
	conn.closeWith(websocket.CloseNormalClosure, "")
	<-conn.stopped
	s.removeConn(conn)
	s.log.Debug("ws_disconnected", zap.String("conn", conn.id), zap.String("user", session.Username()))
}
