package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"imagerelay/backend/internal/domain"
)

const (
	maxTrackedUploads  = 1024 // 保留事件历史的上传数量
	maxEventsPerUpload = 16   // 每个上传保留的事件数量
	eventQueueSize     = 256
)

// Hub 按上传ID把投递事件推送给订阅的连接
//
// 事件同时按上传保存一段历史，订阅晚于事件的客户端会收到回放。
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{} // uploadID -> 订阅者
	history map[string][]domain.DeliveryEvent
	order   []string // 历史记录的插入顺序，用于淘汰

	join   chan *Client
	leave  chan *Client
	events chan domain.DeliveryEvent
	done   chan struct{} // Run 退出后关闭

	origins []string
	log     *zap.Logger
}

// NewHub 创建 Hub，origins 为空时允许所有来源
func NewHub(origins []string, logger *zap.Logger) *Hub {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		clients: make(map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
		history: make(map[string][]domain.DeliveryEvent),
		join:    make(chan *Client),
		leave:   make(chan *Client),
		events:  make(chan domain.DeliveryEvent, eventQueueSize),
		done:    make(chan struct{}),
		origins: origins,
		log:     logger,
	}
}

// Run 处理连接注册和事件分发，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.log.Info("websocket hub stopped")
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.Debug("client connected", zap.String("client", c.id))

		case c := <-h.leave:
			h.drop(c)

		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Publish 发布投递事件，队列满时丢弃，不阻塞调用方
func (h *Hub) Publish(event domain.DeliveryEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.events <- event:
	default:
		h.log.Warn("websocket event queue full, dropping event",
			zap.String("upload_id", event.UploadID),
			zap.String("stage", string(event.Stage)),
		)
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// History 返回某个上传已记录的事件，旧的在前
func (h *Hub) History(uploadID string) []domain.DeliveryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.DeliveryEvent{}, h.history[uploadID]...)
}

func (h *Hub) dispatch(ev domain.DeliveryEvent) {
	data, err := json.Marshal(Frame{Type: FrameDelivery, UploadID: ev.UploadID, Event: &ev, Timestamp: ev.Timestamp})
	if err != nil {
		h.log.Error("encode delivery event", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.record(ev)
	subscribers := make([]*Client, 0, len(h.topics[ev.UploadID]))
	for c := range h.topics[ev.UploadID] {
		subscribers = append(subscribers, c)
	}
	h.mu.Unlock()

	for _, c := range subscribers {
		if !c.enqueue(data) {
			h.log.Warn("client send buffer full, event skipped", zap.String("client", c.id))
		}
	}
}

// record 追加事件历史（调用方持有写锁）
func (h *Hub) record(ev domain.DeliveryEvent) {
	events, seen := h.history[ev.UploadID]
	if !seen {
		h.order = append(h.order, ev.UploadID)
		if len(h.order) > maxTrackedUploads {
			delete(h.history, h.order[0])
			h.order = h.order[1:]
		}
	}

	events = append(events, ev)
	if len(events) > maxEventsPerUpload {
		events = events[len(events)-maxEventsPerUpload:]
	}
	h.history[ev.UploadID] = events
}

// subscribe 登记订阅并返回需要回放的历史
func (h *Hub) subscribe(c *Client, uploadID string) []domain.DeliveryEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[uploadID]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.topics[uploadID] = subs
	}
	subs[c] = struct{}{}
	return append([]domain.DeliveryEvent(nil), h.history[uploadID]...)
}

func (h *Hub) unsubscribe(c *Client, uploadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromTopic(c, uploadID)
}

// removeFromTopic 调用方持有写锁
func (h *Hub) removeFromTopic(c *Client, uploadID string) {
	if subs, ok := h.topics[uploadID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, uploadID)
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	for _, uploadID := range c.subscriptions() {
		h.removeFromTopic(c, uploadID)
	}
	delete(h.clients, c)
	c.close()
	h.log.Debug("client disconnected", zap.String("client", c.id))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*Client]struct{})
	h.topics = make(map[string]map[*Client]struct{})
}
