package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "chimera/internal/errors"
	"chimera/internal/observability/alerting"
	"chimera/internal/observability/metrics"
	"chimera/pkg/logger"
)

// Processor 从队列领取生成任务，交给 Executor 执行并回写结果。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer
	workers  int
	logger   *slog.Logger
	alerter  alerting.Dispatcher
	metrics  *metrics.Metrics
	now      func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 替换默认的 task 日志器。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount 设置并发消费的协程数。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithAlertDispatcher 设置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// WithProcessorMetrics 记录排队时长与任务终态。
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor 构造 Processor。consumer 与 producer 通常是同一个队列。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor: executor,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start 阻塞消费队列，直到 ctx 结束或消费者返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// handle 返回错误时队列会重投该消息，只有存储或队列故障才这样做。
func (p *Processor) handle(ctx context.Context, msg Message) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	p.metrics.ObserveQueueWait(msg.QueuedFor(p.now()))

	task, err := p.store.Claim(ctx, msg.JobID)
	if err != nil {
		return p.skipOrRetry(ctx, msg, task, err)
	}
	p.logger.Debug("开始执行生成任务",
		slog.String("task_id", task.ID),
		slog.Int("attempt", task.Attempts),
		slog.Int("redelivery", msg.Redelivery),
	)

	result, err := p.executor.Execute(ctx, task)
	if err == nil && result == nil {
		err = xerrors.New(CodeTaskProcessing, "执行器未返回结果")
	}
	if err != nil {
		return p.fail(ctx, task, msg, err)
	}
	return p.succeed(ctx, task, msg, *result)
}

// skipOrRetry 处理领取失败：已完成、执行中或不存在的任务直接丢弃消息。
func (p *Processor) skipOrRetry(ctx context.Context, msg Message, task *Task, err error) error {
	switch {
	case stdErrors.Is(err, ErrTaskExhausted):
		if task != nil {
			p.metrics.ObserveJob("exhausted")
			p.emitAlert(ctx, task, CodeTaskExhausted, err, "claim")
		}
		return nil
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskCompleted), stdErrors.Is(err, ErrTaskConflict):
		p.logger.Debug("跳过任务", slog.String("task_id", msg.JobID), slog.String("reason", err.Error()))
		return nil
	}
	p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", msg.JobID))
	p.emitAlert(ctx, &Task{ID: msg.JobID}, CodeTaskProcessing, err, "claim")
	return err
}

func (p *Processor) succeed(ctx context.Context, task *Task, msg Message, result Result) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		// 结果没写进去，回到 pending 让下一轮重新生成。
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if markErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); markErr != nil {
			return markErr
		}
		return p.requeue(ctx, task, msg)
	}
	p.metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("生成任务完成",
		slog.String("task_id", task.ID),
		slog.String("requester", task.Requester),
		slog.Bool("passed", result.Passed),
		slog.Float64("score", result.Score),
		slog.Int("iterations", result.Iterations),
	)
	return nil
}

// fail 按错误码决定重试还是终止。未分类的错误视为可重试的处理失败。
func (p *Processor) fail(ctx context.Context, task *Task, msg Message, execErr error) error {
	code, retryable := xerrors.CodeOf(execErr), xerrors.RetryableError(execErr)
	if code == xerrors.CodeUnknown {
		code, retryable = CodeTaskProcessing, true
	}
	terminal := !retryable || ctx.Err() != nil || task.Attempts >= task.MaxRetries

	// ctx 已取消时仍要把失败写回。
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("生成任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
		slog.Bool("terminal", terminal),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.metrics.ObserveJob(string(StatusFailed))
		p.emitAlert(ctx, task, code, execErr, "terminal")
		return nil
	}
	p.emitAlert(ctx, task, code, execErr, "retry")
	return p.requeue(ctx, task, msg)
}

func (p *Processor) requeue(ctx context.Context, task *Task, msg Message) error {
	next := msg.Redelivered(p.now())
	if err := p.producer.Publish(ctx, next); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "任务重新入队失败", xerrors.WithMetadata("task_id", task.ID))
	}
	p.logger.Debug("任务已重新排队",
		slog.String("task_id", task.ID),
		slog.Int("attempts", task.Attempts),
		slog.Int("redelivery", next.Redelivery),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Subject:    task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: p.now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
