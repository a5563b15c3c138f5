package services

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"remedy/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
	streamBuffer     = 256
)

// AuditStreamMessage 推送给订阅者的审计事件
type AuditStreamMessage struct {
	Type      string          `json:"type"`
	Data      models.AuditLog `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditStreamClient 一个 WebSocket 订阅者；TicketID 为 0 表示订阅全部
type AuditStreamClient struct {
	ID       string
	TicketID uint
	Conn     *websocket.Conn
	Send     chan AuditStreamMessage
	Hub      *AuditStreamHub
}

// AuditStreamHub 审计事件实时推送
type AuditStreamHub struct {
	clients    map[string]*AuditStreamClient
	broadcast  chan AuditStreamMessage
	register   chan *AuditStreamClient
	unregister chan *AuditStreamClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewAuditStreamHub(logger *logrus.Logger, allowedOrigins []string) *AuditStreamHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditStreamHub{
		clients:    make(map[string]*AuditStreamClient),
		broadcast:  make(chan AuditStreamMessage, streamBuffer),
		register:   make(chan *AuditStreamClient),
		unregister: make(chan *AuditStreamClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run serves register/unregister/broadcast until ctx is done.
func (h *AuditStreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Debugf("Audit stream client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Debugf("Audit stream client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.TicketID != 0 && client.TicketID != message.Data.TicketID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					// slow consumer
					close(client.Send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// PublishAudit implements AuditSink. It never blocks the pipeline; a full buffer drops the event.
func (h *AuditStreamHub) PublishAudit(ctx context.Context, entry models.AuditLog) error {
	msg := AuditStreamMessage{Type: "audit", Data: entry, Timestamp: time.Now()}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		return fmt.Errorf("audit stream buffer full, dropped %s", entry.Action)
	}
}

// HandleWebSocket 升级连接；可选 ticket_id 过滤
func (h *AuditStreamHub) HandleWebSocket(c *gin.Context) {
	var ticketID uint
	if raw := c.Query("ticket_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ticket_id"})
			return
		}
		ticketID = uint(id)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &AuditStreamClient{
		ID:       fmt.Sprintf("client_%d", time.Now().UnixNano()),
		TicketID: ticketID,
		Conn:     conn,
		Send:     make(chan AuditStreamMessage, streamBuffer),
		Hub:      h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only drains control frames; subscribers do not send data.
func (c *AuditStreamClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	_ = c.Conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.WithError(err).Debug("Audit stream read error")
			}
			return
		}
	}
}

func (c *AuditStreamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *AuditStreamHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
