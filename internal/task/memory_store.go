package task

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	xerrors "chimera/internal/errors"
)

// MemoryStore 把任务保存在进程内，重启即丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 保存任务副本，ID 已存在时返回 ErrTaskConflict。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	task.UpdatedAt = m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = task.UpdatedAt
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// update 在写锁内修改任务并刷新 UpdatedAt。fn 返回错误时 UpdatedAt 不变，除非 fn 自己修改了任务。
func (m *MemoryStore) update(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	before := *task
	err := fn(task)
	if err == nil || *task != before {
		task.UpdatedAt = m.now().Unix()
	}
	return cloneTask(task), err
}

// Claim 把 pending 任务切到 running 并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(task *Task) error {
		if err := claimRefusal(task); err != nil {
			return err
		}
		if task.Attempts >= task.MaxRetries {
			task.Status = StatusFailed
			task.ErrorCode = string(CodeTaskExhausted)
			return ErrTaskExhausted
		}
		task.Status = StatusRunning
		task.Attempts++
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
}

// MarkSucceeded 写入生成结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	result.Issues = slices.Clone(result.Issues)
	_, err := m.update(id, func(task *Task) error {
		task.Status = StatusSucceeded
		task.Result = &result
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 记录失败原因，terminal 为 false 时任务回到 pending。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.update(id, func(task *Task) error {
		task.Status = StatusPending
		if terminal {
			task.Status = StatusFailed
		}
		task.LastError, task.ErrorCode = lastError, string(code)
		return nil
	})
	return err
}

// List 按更新时间排序后分页，同一秒内按创建时间和 ID 决定先后。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	matched := m.filter(opts)
	slices.SortFunc(matched, func(a, b *Task) int {
		c := cmp.Or(
			cmp.Compare(a.UpdatedAt, b.UpdatedAt),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
		if opts.OldestFirst {
			return c
		}
		return -c
	})
	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	return matched[:min(len(matched), opts.Limit)], nil
}

// Stats 统计符合条件的任务。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	var stats TaskStats
	for _, task := range m.filter(opts) {
		stats.add(task.Status, 1, task.UpdatedAt, task.UpdatedAt)
	}
	return stats, nil
}

func (m *MemoryStore) filter(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// Close 无需释放资源。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
