package task

import (
	"context"
	"sync"
	"time"

	xerrors "chimera/internal/errors"
)

// MemoryQueue 以带缓冲的 channel 保存消息，仅适用于单进程部署。
type MemoryQueue struct {
	mu       sync.RWMutex
	messages chan Message
	closed   bool
	now      func() time.Time
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{messages: make(chan Message, size), now: time.Now}
}

// Publish 投递消息，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	}
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 处理失败的消息以重投副本的形式放回队列。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return drain(ctx, workerCount, q.messages, func(msg Message) {
		if err := handler(ctx, msg); err != nil && ctx.Err() == nil {
			_ = q.Publish(ctx, msg.Redelivered(q.now()))
		}
	})
}

// Len 返回排队中的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.messages)
}

// Close 关闭队列，消费者读空剩余消息后退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.messages)
	return nil
}
