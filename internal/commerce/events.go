package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ActivityEvent 描述一次托管生命周期变化，供平台的活动流消费。
type ActivityEvent struct {
	Kind       string `json:"kind"`
	PurchaseID string `json:"purchaseId"`
	SkillID    string `json:"skillId,omitempty"`
	Buyer      string `json:"buyer,omitempty"`
	Seller     string `json:"seller,omitempty"`
	Amount     string `json:"amount,omitempty"`
	TxHash     string `json:"txHash,omitempty"`
	OccurredAt int64  `json:"occurredAt"`
}

// 事件类型。
const (
	EventPurchaseEscrowed  = "purchase.escrowed"
	EventPurchaseCompleted = "purchase.completed"
	EventPurchaseRefunded  = "purchase.refunded"
)

// ActivityPublisher 抽象活动事件的投递方式。
type ActivityPublisher interface {
	Publish(ctx context.Context, event ActivityEvent) error
	Close() error
}

// NopPublisher 丢弃所有事件，用于未配置消息中间件的部署。
type NopPublisher struct{}

// Publish 实现 ActivityPublisher。
func (NopPublisher) Publish(context.Context, ActivityEvent) error { return nil }

// Close 实现 ActivityPublisher。
func (NopPublisher) Close() error { return nil }

// RabbitMQPublisherConfig 描述 RabbitMQ 发布器的连接参数。
type RabbitMQPublisherConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQPublisher 把托管活动事件投递到 RabbitMQ 队列。
type RabbitMQPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher 创建 RabbitMQ 发布器实例。
func NewRabbitMQPublisher(cfg RabbitMQPublisherConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "selfclaw.activity"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 实现 ActivityPublisher。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event ActivityEvent) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化活动事件失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close 关闭底层连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
