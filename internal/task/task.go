package task

import (
	"slices"

	xerrors "chimera/internal/errors"
)

// Status 表示生成任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次生成任务的最终产物。Passed 为 false 时 Code 是得分最高的一轮。
type Result struct {
	Passed      bool     `json:"passed"`
	Code        string   `json:"code"`
	Score       float64  `json:"score"`
	ScoreSource string   `json:"scoreSource,omitempty"`
	Report      string   `json:"report,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	Iterations  int      `json:"iterations"`
}

// Task 描述了排队执行的合约生成任务。
type Task struct {
	ID         string  `json:"id"`
	Prompt     string  `json:"prompt"`
	Requester  string  `json:"requester,omitempty"`
	Status     Status  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done 报告任务是否已进入终态。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo, Parent: xerrors.CodeNotFound},
		CodeTaskConflict:   {Message: "task is being processed", Severity: xerrors.SeverityWarning, Parent: xerrors.CodeConflict},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo, Parent: xerrors.CodeConflict},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "invalid generation request", Severity: xerrors.SeverityInfo, Parent: xerrors.CodeInvalidArgument},
		// 入队失败意味着任务永远不会被执行。
		CodeTaskPublish:    {Message: "failed to enqueue task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true, Parent: xerrors.CodeQueueFailure},
		CodeTaskProcessing: {Message: "generation attempt failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// 存储实现返回的哨兵错误，调用方用 errors.Is 判断。包级变量先于 init 初始化，需显式给出描述。
var (
	ErrTaskNotFound  = xerrors.New(CodeTaskNotFound, "task not found")
	ErrTaskConflict  = xerrors.New(CodeTaskConflict, "task is being processed")
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed")
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)

// IsValidStatus 报告 status 是否为已知状态。
func IsValidStatus(status Status) bool {
	return slices.Contains([]Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}, status)
}

// claimRefusal 说明一个任务为何不能被领取，pending 任务返回 nil。
func claimRefusal(t *Task) error {
	switch t.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusRunning:
		return ErrTaskConflict
	case StatusFailed:
		return ErrTaskExhausted
	}
	return nil
}

func cloneTask(t *Task) *Task {
	clone := *t
	if t.Result != nil {
		result := *t.Result
		result.Issues = append([]string(nil), t.Result.Issues...)
		clone.Result = &result
	}
	return &clone
}
