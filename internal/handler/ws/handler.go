package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tumicodes/support-desk/backend/internal/model/session"
	"github.com/tumicodes/support-desk/backend/internal/service/broker"
)

// Handler 访客 WebSocket 传输适配器
type Handler struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
}

// New 创建 WebSocket 处理器
func New(b *broker.Broker) *Handler {
	return &Handler{
		broker: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
}

// client wraps one physical connection. It implements broker.Conn, so the
// broker can push events; the write mutex keeps gorilla's single-writer rule.
type client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *client) Send(ev session.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *client) sendError(message string) {
	if err := c.Send(session.Event{Type: "error", Reason: message}); err != nil {
		log.Printf("[websocket] write error failed: %v", err)
	}
}

// handleWebSocket 处理访客连接。连接在收到 init 帧前保持匿名。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	defer c.Close()

	log.Printf("[websocket] new connection from %s", r.RemoteAddr)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(c, done)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// the session bound to this connection, empty until identified
	var sessionID string
	var disconnectOnce sync.Once
	defer func() {
		if sessionID != "" {
			disconnectOnce.Do(func() {
				log.Printf("[websocket] connection closed for session %s", sessionID)
				h.broker.Disconnect(sessionID, c)
			})
		}
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		switch frame.Type {
		case "init":
			if sessionID != "" {
				if frame.SessionID != sessionID {
					c.sendError("session mismatch")
				}
				continue
			}
			if frame.SessionID == "" {
				c.sendError("sessionId is required")
				continue
			}
			greeting, err := h.broker.AttachConnection(frame.SessionID, c)
			if err != nil {
				c.sendError("unknown session")
				return
			}
			sessionID = frame.SessionID
			log.Printf("[websocket] connection identified as session %s", sessionID)
			if err := c.Send(greeting); err != nil {
				log.Printf("[websocket] greeting failed for session %s: %v", sessionID, err)
			}
		case "message":
			// inert until identified
			if sessionID == "" || frame.Text == "" {
				continue
			}
			if frame.SessionID != "" && frame.SessionID != sessionID {
				c.sendError("session mismatch")
				continue
			}
			h.broker.RouteVisitorMessage(sessionID, frame.Text)
		case "typing":
			if sessionID != "" {
				h.broker.VisitorTyping(sessionID)
			}
		default:
			c.sendError("unsupported message type: " + frame.Type)
		}
	}
}

// pingLoop 定期发送 ping 消息
func (h *Handler) pingLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
