package task

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "chimera/internal/errors"
	"chimera/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 默认交换机投递 JSON 消息。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mode  uint8
	now   func() time.Time
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ URL 不能为空")
	}
	name := cfg.Queue
	if name == "" {
		name = "chimera.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err == nil && cfg.Prefetch > 0 {
		err = ch.Qos(cfg.Prefetch, 0, false)
	}
	if err == nil {
		_, err = ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil)
	}
	if err != nil {
		if ch != nil {
			_ = ch.Close()
		}
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 RabbitMQ channel 失败",
			xerrors.WithMetadata("queue", name))
	}
	mode := amqp.Transient
	if cfg.Durable {
		mode = amqp.Persistent
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: name, mode: mode, now: time.Now}, nil
}

// Publish 投递消息，MessageId 为任务 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg Message) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	body, err := msg.encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码队列消息失败")
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: q.mode,
		MessageId:    msg.JobID,
		Timestamp:    time.UnixMilli(msg.EnqueuedAt),
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 使用手动确认模式消费。处理失败时发布重投副本并确认原消息，发布失败则退回 broker 重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return drain(ctx, workerCount, deliveries, func(d amqp.Delivery) {
		q.deliver(ctx, d, handler)
	})
}

func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg, err := decodeMessage(d.Body)
	if err != nil {
		logger.L().Warn("丢弃无法解析的队列消息", slog.String("queue", q.queue), slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, msg); err == nil {
		_ = d.Ack(false)
		return
	}
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	if err := q.Publish(ctx, msg.Redelivered(q.now())); err != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
