package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"crisis-drill/server/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	// 每个订阅者的发送队列容量，队列满时丢弃新消息（背压控制）
	defaultQueueCapacity = 64
	writeWait            = 10 * time.Second
	pingInterval         = 30 * time.Second
)

// ErrHubClosed Hub 已关闭。
var ErrHubClosed = errors.New("fanout: hub closed")

// Subscriber 一个频道订阅者，C 在取消订阅或 Hub 关闭时被关闭。
type Subscriber struct {
	channel string
	ch      chan Event
	C       <-chan Event
	dropped atomic.Int64
}

// Dropped 返回因队列已满被丢弃的消息数。
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Hub 进程内的频道分发器。
//
// 职责：
// - 按频道维护订阅者，Publish 非阻塞地投递到每个订阅者的队列；
// - 通过 Serve 把订阅者队列写到 websocket 连接。
type Hub struct {
	prefix string
	log    *logger.Logger

	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	closed bool
}

var _ Publisher = (*Hub)(nil)

func NewHub(prefix string, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Hub{
		prefix: prefix,
		log:    log.With("component", "fanout_hub"),
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe 订阅会话频道。
func (h *Hub) Subscribe(sessionID string) (*Subscriber, error) {
	ch := make(chan Event, defaultQueueCapacity)
	sub := &Subscriber{channel: Channel(h.prefix, sessionID), ch: ch, C: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	set, ok := h.subs[sub.channel]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sub.channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe 取消订阅，可重复调用。
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.channel]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.channel)
	}
	close(sub.ch)
}

// Publish 投递到本进程的订阅者。
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Deliver(Channel(h.prefix, evt.SessionID), evt)
	return nil
}

// Deliver 按频道名投递，Redis 转发器也走这里。
func (h *Hub) Deliver(channel string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs[channel] {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			h.log.Warn("subscriber queue full, dropping event", "channel", channel, "event_id", evt.EventID)
		}
	}
}

// Subscribers 返回频道上的订阅者数量。
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[Channel(h.prefix, sessionID)])
}

// Close 关闭所有订阅者。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for channel, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, channel)
	}
}

// Serve 把会话频道的事件写到 websocket 连接，直到连接断开、ctx 结束或 Hub 关闭。
// 返回时关闭连接。
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	defer conn.Close()

	sub, err := h.Subscribe(sessionID)
	if err != nil {
		return err
	}
	defer h.Unsubscribe(sub)

	// 客户端只读；读循环用于感知断开和处理 pong
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	h.log.Debug("websocket subscriber attached", "session_id", sessionID)
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case <-readDone:
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				h.log.Warn("websocket write failed", "session_id", sessionID, "error", err)
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}
