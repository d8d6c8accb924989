package task

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	xerrors "chimera/internal/errors"
)

// Message 是队列中传递的任务引用。EnqueuedAt 为毫秒时间戳，用于统计排队时长。
type Message struct {
	JobID      string `json:"job_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Redelivery int    `json:"redelivery,omitempty"`
}

// NewMessage 创建首次投递的消息。
func NewMessage(jobID string, now time.Time) Message {
	return Message{JobID: jobID, EnqueuedAt: now.UnixMilli()}
}

// Redelivered 返回重新入队时使用的消息副本。
func (m Message) Redelivered(now time.Time) Message {
	m.Redelivery++
	m.EnqueuedAt = now.UnixMilli()
	return m
}

// QueuedFor 返回消息在队列中停留的时间。
func (m Message) QueuedFor(now time.Time) time.Duration {
	if m.EnqueuedAt <= 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(m.EnqueuedAt))
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "无法解析队列消息")
	}
	m.JobID = strings.TrimSpace(m.JobID)
	if m.JobID == "" {
		return Message{}, xerrors.New(xerrors.CodeQueueFailure, "队列消息缺少任务 ID")
	}
	return m, nil
}

// Handler 处理一条队列消息。返回错误表示需要重新投递。
type Handler func(ctx context.Context, msg Message) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// drain 以 workers 个协程消费 deliveries，直到 ctx 结束或通道关闭。
func drain[T any](ctx context.Context, workers int, deliveries <-chan T, handle func(T)) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					handle(d)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
