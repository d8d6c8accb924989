package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "chimera/internal/errors"
	"chimera/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 把 JSON 编码的 Message 存放在 Redis list 中，LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
	now    func() time.Time
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 队列地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Queue, wait: cfg.BlockWait, now: time.Now}
	if q.key == "" {
		q.key = "chimera:jobs"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q
}

// Publish 将消息写入队首。
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.push(ctx, msg, false)
}

func (q *RedisQueue) push(ctx context.Context, msg Message, tail bool) error {
	payload, err := msg.encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码队列消息失败")
	}
	cmd := q.client.LPush
	if tail {
		// 重投的消息放到出队一端，下一次 BRPOP 优先取到。
		cmd = q.client.RPush
	}
	if err := cmd(ctx, q.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败",
			xerrors.WithMetadata("job_id", msg.JobID))
	}
	return nil
}

// Consume 通过 BRPOP 取出消息。处理失败时写回重投副本，无法解析的消息直接丢弃。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			errCh <- q.work(ctx, handler)
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil && (ctx.Err() != nil || errors.Is(err, redis.ErrClosed)):
			return err
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		case len(values) != 2:
			continue
		}
		msg, err := decodeMessage([]byte(values[1]))
		if err != nil {
			logger.L().Warn("丢弃无法解析的队列消息", slog.String("queue", q.key), slog.Any("error", err))
			continue
		}
		if handlerErr := handler(ctx, msg); handlerErr != nil && ctx.Err() == nil {
			if err := q.push(ctx, msg.Redelivered(q.now()), true); err != nil {
				logger.L().Error("重投队列消息失败", slog.String("job_id", msg.JobID), slog.Any("error", err))
			}
		}
	}
	return ctx.Err()
}

// Len 返回队列中等待的消息数。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
