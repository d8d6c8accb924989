package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), RedisQueueConfig{Address: srv.Addr(), Queue: "jobs", BlockWait: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func TestRedisQueuePublishConsume(t *testing.T) {
	q, srv := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, NewMessage(id, now)))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, msg.JobID)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, seen, "LPUSH + BRPOP preserves FIFO order")
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
	assert.False(t, srv.Exists("jobs"))
}

func TestRedisQueueRedeliversOnHandlerError(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Publish(ctx, NewMessage("job", time.Now())))

	var (
		mu         sync.Mutex
		deliveries []Message
	)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			deliveries = append(deliveries, msg)
			if len(deliveries) == 1 {
				return errors.New("store unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, deliveries[0].Redelivery)
	assert.Equal(t, 1, deliveries[1].Redelivery)
	assert.Equal(t, "job", deliveries[1].JobID)
}

func TestRedisQueueDropsMalformedMessages(t *testing.T) {
	q, srv := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := srv.Lpush("jobs", "not-json")
	require.NoError(t, err)
	_, err = srv.Lpush("jobs", `{"job_id":"  "}`)
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, NewMessage("valid", time.Now())))

	got := make(chan string, 4)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, msg Message) error {
			got <- msg.JobID
			return nil
		})
	}()

	select {
	case id := <-got:
		assert.Equal(t, "valid", id)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message was not delivered")
	}
	require.Eventually(t, func() bool { return !srv.Exists("jobs") }, time.Second, 10*time.Millisecond)
	assert.Empty(t, got)
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), RedisQueueConfig{})
	assert.Error(t, err)
}

func TestNewRabbitMQQueueRequiresURL(t *testing.T) {
	_, err := NewRabbitMQQueue(RabbitMQConfig{})
	assert.Error(t, err)
}
