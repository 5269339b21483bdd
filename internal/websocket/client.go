package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"imagerelay/backend/internal/domain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 4096
	sendBuffer   = 64
)

// FrameType 帧类型
type FrameType string

const (
	FrameDelivery    FrameType = "delivery"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSubscribed  FrameType = "subscribed"
	FrameError       FrameType = "error"
)

// Frame 客户端与服务端之间交换的 JSON 帧
type Frame struct {
	Type      FrameType             `json:"type"`
	UploadID  string                `json:"uploadId,omitempty"`
	Event     *domain.DeliveryEvent `json:"event,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Client 一个 WebSocket 连接
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	mu     sync.Mutex
	out    chan []byte
	topics map[string]struct{}
	closed bool
}

// newUpgrader 只接受来自允许来源的握手，没有 Origin 的请求视为同源
func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket 升级连接并注册到 Hub
//
// 查询参数 uploadId 可选，提供时连接建立后立即订阅该上传。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := newUpgrader(hub.origins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed",
				zap.Error(err),
				zap.String("origin", c.GetHeader("Origin")),
				zap.String("client_ip", c.ClientIP()),
			)
			return
		}

		client := &Client{
			id:     uuid.NewString(),
			conn:   conn,
			hub:    hub,
			log:    hub.log,
			out:    make(chan []byte, sendBuffer),
			topics: make(map[string]struct{}),
		}

		select {
		case hub.join <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writeLoop()
		go client.readLoop()

		if uploadID := c.Query("uploadId"); uploadID != "" {
			client.subscribe(uploadID)
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case FrameSubscribe:
			c.subscribe(frame.UploadID)
		case FrameUnsubscribe:
			c.unsubscribe(frame.UploadID)
		default:
			c.fail("unknown message type: " + string(frame.Type))
		}
	}
}

// writeLoop 串行写出队列中的帧，并定期发送协议层 ping
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe 订阅上传事件，先确认再回放已经发生的事件
func (c *Client) subscribe(uploadID string) {
	if uploadID == "" {
		c.fail("upload ID is required")
		return
	}

	c.mu.Lock()
	c.topics[uploadID] = struct{}{}
	c.mu.Unlock()

	replay := c.hub.subscribe(c, uploadID)
	c.log.Debug("subscribed to upload", zap.String("client", c.id), zap.String("upload_id", uploadID))

	c.send(Frame{Type: FrameSubscribed, UploadID: uploadID, Timestamp: time.Now()})
	for i := range replay {
		ev := replay[i]
		c.send(Frame{Type: FrameDelivery, UploadID: uploadID, Event: &ev, Timestamp: ev.Timestamp})
	}
}

func (c *Client) unsubscribe(uploadID string) {
	c.mu.Lock()
	delete(c.topics, uploadID)
	c.mu.Unlock()

	c.hub.unsubscribe(c, uploadID)
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.topics))
	for id := range c.topics {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) fail(reason string) {
	c.send(Frame{Type: FrameError, Error: reason, Timestamp: time.Now()})
}

func (c *Client) send(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.log.Warn("client send buffer full", zap.String("client", c.id))
	}
}

// enqueue 非阻塞写入发送队列，连接关闭后直接丢弃
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// close 关闭发送队列，只执行一次
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.out)
	}
}
