package auditloop

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"

	xerrors "chimera/internal/errors"
	"chimera/internal/llm"
	"chimera/internal/observability/metrics"
	"chimera/pkg/logger"
)

// 默认参数
const (
	DefaultMaxRetries = 3
	DefaultThreshold  = 80
)

// EventType 标识进度事件。
type EventType string

// 事件类型
const (
	EventAttempt     EventType = "attempt"
	EventGenerating  EventType = "generating"
	EventExtracted   EventType = "extracted"
	EventAuditing    EventType = "auditing"
	EventAuditResult EventType = "audit_result"
	EventRetry       EventType = "retry"
	EventSuccess     EventType = "success"
	EventFailed      EventType = "failed"
	EventError       EventType = "error"
)

// Iteration 记录一轮生成与审计的结果。
type Iteration struct {
	Attempt      int      `json:"attempt"`
	Code         string   `json:"code"`
	Score        float64  `json:"score"`
	ScoreSource  string   `json:"scoreSource"`
	Report       string   `json:"report"`
	Issues       []string `json:"issues,omitempty"`
	FixesApplied []string `json:"fixesApplied,omitempty"`
	Passed       bool     `json:"passed"`
}

// Event 是生成过程中产出的进度事件。
//
// Terminal 为 true 的 error 事件表示最后一轮仍然失败，错误需要交给调用方处理。
type Event struct {
	Type        EventType  `json:"type"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	Chunk       string     `json:"chunk,omitempty"`
	Code        string     `json:"code,omitempty"`
	Issues      []string   `json:"issues,omitempty"`
	Result      *Iteration `json:"result,omitempty"`
	Err         error      `json:"-"`
	Error       string     `json:"error,omitempty"`
	Terminal    bool       `json:"terminal,omitempty"`
}

// Final 报告事件是否结束整个序列。
func (e Event) Final() bool {
	return e.Type == EventSuccess || e.Type == EventFailed || (e.Type == EventError && e.Terminal)
}

// Option 定义可选配置。
type Option func(*Loop)

// WithExtractor 替换默认的启发式提取器。
func WithExtractor(x CodeExtractor) Option {
	return func(l *Loop) {
		if x != nil {
			l.extractor = x
		}
	}
}

// WithThreshold 设置通过审计的最低分数。
func WithThreshold(score float64) Option {
	return func(l *Loop) {
		if score > 0 {
			l.threshold = score
		}
	}
}

// WithMetrics 设置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// Loop 组合生成器、审计器与提取器。各次调用之间不共享状态，可以并发使用。
type Loop struct {
	generator llm.Generator
	auditor   llm.Auditor
	extractor CodeExtractor
	threshold float64
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// New 创建自修正生成循环。
func New(generator llm.Generator, auditor llm.Auditor, opts ...Option) *Loop {
	l := &Loop{
		generator: generator,
		auditor:   auditor,
		extractor: HeuristicExtractor{},
		threshold: DefaultThreshold,
		log:       logger.Named("auditloop"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Threshold 返回通过分数。
func (l *Loop) Threshold() float64 {
	return l.threshold
}

// GenerateWithAudit 返回惰性的单次事件序列。每次调用都从 prompt 重新开始；
// 调用方停止遍历即放弃剩余流程。
func (l *Loop) GenerateWithAudit(ctx context.Context, prompt string, maxRetries int) iter.Seq[Event] {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return func(yield func(Event) bool) {
		var (
			best    *Iteration
			current = prompt
			fixes   []string
		)
		for attempt := 1; attempt <= maxRetries; attempt++ {
			emit := func(e Event) bool {
				e.Attempt, e.MaxAttempts = attempt, maxRetries
				return yield(e)
			}
			if !emit(Event{Type: EventAttempt}) {
				return
			}

			it, stopped, err := l.attempt(ctx, current, emit)
			if stopped {
				return
			}
			if err != nil {
				final := attempt == maxRetries || ctx.Err() != nil
				l.metrics.ObserveAudit("error", 0)
				l.log.Warn("generation attempt failed",
					slog.Int("attempt", attempt), slog.Bool("terminal", final), slog.Any("error", err))
				if !emit(Event{Type: EventError, Err: err, Error: err.Error(), Terminal: final}) || final {
					return
				}
				continue
			}

			it.Attempt = attempt
			it.FixesApplied = fixes
			it.Passed = it.Score >= l.threshold
			if !it.Passed {
				it.Issues = ExtractIssues(it.Report)
			}
			if best == nil || it.Score > best.Score {
				best = it
			}
			if !emit(Event{Type: EventAuditResult, Result: it, Issues: it.Issues}) {
				return
			}

			if it.Passed {
				l.metrics.ObserveAudit("passed", it.Score)
				emit(Event{Type: EventSuccess, Code: it.Code, Result: it})
				return
			}
			if attempt == maxRetries {
				l.metrics.ObserveAudit("failed", it.Score)
				emit(Event{Type: EventFailed, Code: best.Code, Result: best})
				return
			}
			l.metrics.ObserveAudit("retry", it.Score)
			fixes = it.Issues
			current = FeedbackPrompt(prompt, it.Issues)
			if !emit(Event{Type: EventRetry, Issues: it.Issues}) {
				return
			}
		}
	}
}

// attempt 执行一轮生成、提取与审计。stopped 表示调用方已停止遍历。
func (l *Loop) attempt(ctx context.Context, prompt string, emit func(Event) bool) (it *Iteration, stopped bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeTimeout, err, "generation cancelled")
	}

	var raw strings.Builder
	for chunk, err := range l.generator.Generate(ctx, prompt) {
		if err != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeAuditServiceFailure, err, "generation failed")
		}
		raw.WriteString(chunk)
		if !emit(Event{Type: EventGenerating, Chunk: chunk}) {
			return nil, true, nil
		}
	}

	code, err := l.extractor.Extract(raw.String())
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeExtractionFailed, err, "")
		}
		return nil, false, err
	}
	if !emit(Event{Type: EventExtracted, Code: code}) {
		return nil, true, nil
	}
	if !emit(Event{Type: EventAuditing}) {
		return nil, true, nil
	}

	report, err := l.auditor.Audit(ctx, code)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeAuditServiceFailure, err, "audit failed")
	}
	score := ScoreReport(report.Text, report.Score)
	if score.Source == SourceFallback {
		logger.Audit().Info("audit score derived from severity keywords",
			slog.Float64("score", score.Value),
			slog.Int("critical", score.Severity.Critical),
			slog.Int("high", score.Severity.High),
			slog.Int("medium", score.Severity.Medium))
	}
	return &Iteration{Code: code, Score: score.Value, ScoreSource: score.Source, Report: report.Text}, false, nil
}

// Outcome 是消费完整个序列后的结果。
type Outcome struct {
	Passed     bool         `json:"passed"`
	Best       *Iteration   `json:"best,omitempty"`
	Iterations []*Iteration `json:"iterations"`
}

// ErrNoResult 表示序列在没有终态事件的情况下结束。
var ErrNoResult = errors.New("generation ended without a result")

// Run 消费事件序列并返回终态。onEvent 可为空。最后一轮的错误作为返回值。
func Run(events iter.Seq[Event], onEvent func(Event)) (Outcome, error) {
	var out Outcome
	for e := range events {
		if onEvent != nil {
			onEvent(e)
		}
		switch e.Type {
		case EventAuditResult:
			out.Iterations = append(out.Iterations, e.Result)
		case EventSuccess:
			out.Passed, out.Best = true, e.Result
			return out, nil
		case EventFailed:
			out.Best = e.Result
			return out, nil
		case EventError:
			if e.Terminal {
				return out, e.Err
			}
		}
	}
	return out, ErrNoResult
}
