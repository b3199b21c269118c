package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/goback/crudkit/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 主题
const (
	TopicPermissionsChanged = "permissions.changed"
	TopicLifecycle          = "service.lifecycle"
)

const channel = "crudkit:broadcast"

// Message 广播消息
type Message struct {
	Topic     string          `json:"topic"`
	Service   string          `json:"service"`
	NodeID    string          `json:"node_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode 解析负载
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler 消息处理器
type Handler func(ctx context.Context, msg *Message)

// Broadcaster 跨节点广播：本节点先同步处理，再经 Redis 发布给其他节点
type Broadcaster struct {
	client  *redis.Client
	service string
	nodeID  string

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New 创建广播器，client 为 nil 时仅在本节点内分发
func New(client *redis.Client, service, nodeID string) *Broadcaster {
	return &Broadcaster{
		client:   client,
		service:  service,
		nodeID:   nodeID,
		handlers: make(map[string][]Handler),
	}
}

// NodeID 当前节点ID
func (b *Broadcaster) NodeID() string {
	return b.nodeID
}

// On 订阅主题
func (b *Broadcaster) On(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish 发布消息
func (b *Broadcaster) Publish(ctx context.Context, topic string, payload any) error {
	msg := &Message{
		Topic:     topic,
		Service:   b.service,
		NodeID:    b.nodeID,
		Timestamp: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal broadcast payload: %w", err)
		}
		msg.Payload = raw
	}

	b.dispatch(ctx, msg)

	if b.client == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast message: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Start 订阅频道并在后台分发其他节点的消息，ctx 取消后退出
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, channel)
	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe broadcast channel: %w", err)
	}

	go b.listen(ctx, pubsub)

	logger.Info("广播器已启动", zap.String("service", b.service), zap.String("node_id", b.nodeID))
	return nil
}

func (b *Broadcaster) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				logger.Error("解析广播消息失败", zap.Error(err))
				continue
			}
			// 本节点消息已在发布时处理
			if msg.NodeID == b.nodeID {
				continue
			}
			b.dispatch(ctx, &msg)
		}
	}
}

func (b *Broadcaster) dispatch(ctx context.Context, msg *Message) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[msg.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("广播处理器异常", zap.String("topic", msg.Topic), zap.Any("panic", r))
				}
			}()
			h(ctx, msg)
		}()
	}
}
