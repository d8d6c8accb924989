package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "chimera/internal/errors"
	"chimera/internal/observability/alerting"
	"chimera/internal/observability/metrics"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func startProcessor(t *testing.T, executor Executor, opts ...ProcessorOption) (*Service, *MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	processor := NewProcessor(executor, store, queue, queue, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewService(store, queue, 3), store
}

func waitDone(t *testing.T, svc *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	var processed atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, task *Task) (*Result, error) {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		processed.Add(1)
		return &Result{Passed: true, Code: "// " + task.Prompt, Score: 90, Iterations: 1}, nil
	})
	svc, _ := startProcessor(t, executor, WithWorkerCount(8))

	ctx := context.Background()
	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		task, err := svc.Submit(ctx, SubmitRequest{Prompt: fmt.Sprintf("contract-%d", i)})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	require.Eventually(t, func() bool {
		stats, err := svc.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(total), processed.Load())

	last := waitDone(t, svc, ids[total-1])
	require.NotNil(t, last.Result)
	assert.Equal(t, "// contract-99", last.Result.Code)
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	executor := ExecutorFunc(func(context.Context, *Task) (*Result, error) {
		if calls.Add(1) == 1 {
			return nil, xerrors.New(xerrors.CodeAuditServiceFailure, "upstream 503")
		}
		return &Result{Passed: true, Code: "contract A {}", Score: 85}, nil
	})
	alerts := &recordingDispatcher{}
	svc, _ := startProcessor(t, executor, WithAlertDispatcher(alerts))

	task, err := svc.Submit(context.Background(), SubmitRequest{Prompt: "token", Requester: "0xabc"})
	require.NoError(t, err)

	done := waitDone(t, svc, task.ID)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	events := alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, xerrors.CodeAuditServiceFailure, events[0].Code)
	assert.Equal(t, task.ID, events[0].Subject)
	assert.Equal(t, "retry", events[0].Metadata["stage"])
	assert.Equal(t, 1, events[0].Attempts)
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	var calls atomic.Int32
	executor := ExecutorFunc(func(context.Context, *Task) (*Result, error) {
		calls.Add(1)
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "prompt rejected by model")
	})
	alerts := &recordingDispatcher{}
	svc, _ := startProcessor(t, executor, WithAlertDispatcher(alerts))

	task, err := svc.Submit(context.Background(), SubmitRequest{Prompt: "token"})
	require.NoError(t, err)

	done := waitDone(t, svc, task.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, string(xerrors.CodeInvalidArgument), done.ErrorCode)
	assert.Contains(t, done.LastError, "prompt rejected")
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, alerts.snapshot(), "invalid input does not page")
}

func TestProcessorGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	executor := ExecutorFunc(func(context.Context, *Task) (*Result, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	alerts := &recordingDispatcher{}
	svc, _ := startProcessor(t, executor, WithAlertDispatcher(alerts))

	task, err := svc.Submit(context.Background(), SubmitRequest{Prompt: "token"})
	require.NoError(t, err)

	done := waitDone(t, svc, task.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, string(CodeTaskProcessing), done.ErrorCode)
	assert.Equal(t, int32(3), calls.Load())

	events := alerts.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "terminal", events[2].Metadata["stage"])
}

func TestProcessorRecordsQueueWaitAndOutcome(t *testing.T) {
	m := metrics.New()
	executor := ExecutorFunc(func(context.Context, *Task) (*Result, error) {
		return &Result{Passed: true, Code: "contract A {}", Score: 95}, nil
	})
	svc, _ := startProcessor(t, executor, WithProcessorMetrics(m))

	task, err := svc.Submit(context.Background(), SubmitRequest{Prompt: "token"})
	require.NoError(t, err)
	waitDone(t, svc, task.ID)

	gather := func() (waits uint64, succeeded float64) {
		families, err := m.Registry().Gather()
		require.NoError(t, err)
		for _, mf := range families {
			switch mf.GetName() {
			case "chimera_generation_job_queue_wait_seconds":
				waits = mf.GetMetric()[0].GetHistogram().GetSampleCount()
			case "chimera_generation_jobs_total":
				for _, metric := range mf.GetMetric() {
					if metric.GetLabel()[0].GetValue() == string(StatusSucceeded) {
						succeeded = metric.GetCounter().GetValue()
					}
				}
			}
		}
		return waits, succeeded
	}
	// the outcome counter is bumped after the status is persisted
	require.Eventually(t, func() bool {
		_, succeeded := gather()
		return succeeded == 1
	}, time.Second, 10*time.Millisecond)
	waits, _ := gather()
	assert.Equal(t, uint64(1), waits)
}
