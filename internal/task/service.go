package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "chimera/internal/errors"
	"chimera/pkg/logger"
)

// MaxPromptLength 限制单个生成任务的提示词长度。
const MaxPromptLength = 16 * 1024

// SubmitRequest 描述一次生成任务提交。ID 为空时由服务生成，非空时用于幂等提交。
type SubmitRequest struct {
	ID        string `json:"id,omitempty"`
	Prompt    string `json:"prompt"`
	Requester string `json:"requester,omitempty"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 校验提示词、落库并入队。带 ID 的重复提交直接返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	task, err := s.newTask(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ID) != "" {
		if existing, found, err := s.lookup(ctx, task.ID); err != nil || found {
			return existing, err
		}
	}
	if err := s.store.Create(ctx, task); err != nil {
		if !stdErrors.Is(err, ErrTaskConflict) {
			return nil, err
		}
		// 并发的同 ID 提交，以先落库的为准。
		if existing, found, lookupErr := s.lookup(ctx, task.ID); found {
			return existing, lookupErr
		}
		return nil, err
	}
	if err := s.enqueue(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) newTask(req SubmitRequest) (*Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	switch {
	case prompt == "":
		return nil, xerrors.New(CodeTaskValidation, "提示词不能为空")
	case len(prompt) > MaxPromptLength:
		return nil, xerrors.New(CodeTaskValidation, "提示词过长",
			xerrors.WithMetadata("max_length", strconv.Itoa(MaxPromptLength)))
	case s.store == nil || s.producer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return &Task{
		ID:         id,
		Prompt:     prompt,
		Requester:  strings.TrimSpace(req.Requester),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}, nil
}

func (s *Service) lookup(ctx context.Context, id string) (*Task, bool, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, true, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// enqueue 入队失败时任务直接置为终态失败，避免留下永远不会被消费的 pending 记录。
func (s *Service) enqueue(ctx context.Context, task *Task) error {
	err := s.producer.Publish(ctx, NewMessage(task.ID, time.Now()))
	if err == nil {
		logger.Audit().Info("任务入队成功",
			slog.String("task_id", task.ID),
			slog.String("requester", task.Requester),
			slog.Int("prompt_length", len(task.Prompt)),
			slog.Int("max_retries", task.MaxRetries),
		)
		return nil
	}
	logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
	wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
	if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), task.ID, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
		logger.L().Error("回写入队失败状态出错", slog.Any("error", markErr), slog.String("task_id", task.ID))
	}
	return wrapped
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务状态直到终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
