package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/logger"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisher 通过 Redis pub/sub 推送，多实例部署时每个实例的转发器把消息交给本地 Hub。
type RedisPublisher struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher 连接 Redis 并确认可用。
func NewRedisPublisher(cfg config.RedisConfig, log *logger.Logger) (*RedisPublisher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{
		log:    log.With("component", "redis_fanout"),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.rdb == nil {
		return fmt.Errorf("redis publisher not initialized")
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Channel(p.prefix, evt.SessionID), raw).Err()
}

// StartForwarder 订阅全部会话频道并转交给 hub，ctx 结束时退出。
func (p *RedisPublisher) StartForwarder(ctx context.Context, hub *Hub) error {
	if p == nil || p.rdb == nil {
		return fmt.Errorf("redis publisher not initialized")
	}
	if hub == nil {
		return fmt.Errorf("hub required")
	}

	sub := p.rdb.PSubscribe(ctx, p.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					p.log.Warn("bad redis fanout payload", "channel", m.Channel, "error", err)
					continue
				}
				hub.Deliver(m.Channel, evt)
			}
		}
	}()
	return nil
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
