package task

import (
	"context"

	"chimera/internal/auditloop"
	xerrors "chimera/internal/errors"
)

// Executor 执行一次生成任务。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// ExecutorFunc 允许使用函数作为 Executor。
type ExecutorFunc func(ctx context.Context, task *Task) (*Result, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*Result, error) {
	return f(ctx, task)
}

// AuditExecutor 使用自修正审计循环完成生成任务。
type AuditExecutor struct {
	loop       *auditloop.Loop
	maxRetries int
}

// NewAuditExecutor 构造审计执行器，maxRetries 为单个任务内的生成轮数。
func NewAuditExecutor(loop *auditloop.Loop, maxRetries int) *AuditExecutor {
	if maxRetries <= 0 {
		maxRetries = auditloop.DefaultMaxRetries
	}
	return &AuditExecutor{loop: loop, maxRetries: maxRetries}
}

// Execute 运行审计循环直到通过或轮数耗尽，未通过时返回得分最高的一轮。
func (e *AuditExecutor) Execute(ctx context.Context, task *Task) (*Result, error) {
	out, err := auditloop.Run(e.loop.GenerateWithAudit(ctx, task.Prompt, e.maxRetries), nil)
	if err != nil {
		return nil, err
	}
	if out.Best == nil {
		return nil, xerrors.New(xerrors.CodeAuditServiceFailure, "生成循环未产出结果")
	}
	return ResultFromOutcome(out), nil
}

// ResultFromOutcome 将审计循环的终态转换为任务结果。
func ResultFromOutcome(out auditloop.Outcome) *Result {
	best := out.Best
	return &Result{
		Passed:      out.Passed,
		Code:        best.Code,
		Score:       best.Score,
		ScoreSource: best.ScoreSource,
		Report:      best.Report,
		Issues:      append([]string(nil), best.Issues...),
		Iterations:  len(out.Iterations),
	}
}
