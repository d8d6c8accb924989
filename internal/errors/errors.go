package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 是跨模块统一的错误码，也是 API 错误体中的 code 字段。
type Code string

// Severity 决定告警渠道的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为。Parent 非空时该码被视为 Parent 的子类型。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Parent    Code
}

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 意图执行与合约生成链路的错误码。
const (
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodePolicyViolation     Code = "POLICY_VIOLATION"
	CodeReplayedNonce       Code = "REPLAYED_NONCE"
	CodeExtractionFailed    Code = "EXTRACTION_FAILED"
	CodeAuditServiceFailure Code = "AUDIT_SERVICE_FAILURE"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodePaymentRequired     Code = "PAYMENT_REQUIRED"
	CodeInvalidPayment      Code = "INVALID_PAYMENT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		// 调用方重新签名后即可重试。
		CodeInvalidSignature: {Message: "invalid signature", Severity: SeverityInfo, Retryable: true},
		CodePolicyViolation:  {Message: "policy violation", Severity: SeverityInfo},
		// 重放意味着缺陷或攻击，必须告警。
		CodeReplayedNonce:       {Message: "nonce already used", Severity: SeverityWarning, Alert: true, Parent: CodePolicyViolation},
		CodeExtractionFailed:    {Message: "no contract source found in model output", Severity: SeverityWarning, Retryable: true},
		CodeAuditServiceFailure: {Message: "audit service failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeExecutionFailed:     {Message: "execution failed", Severity: SeverityWarning, Alert: true},
		CodeInsufficientFunds:   {Message: "facilitator balance too low", Severity: SeverityCritical, Alert: true},
		CodePaymentRequired:     {Message: "payment required", Severity: SeverityInfo},
		CodeInvalidPayment:      {Message: "invalid payment", Severity: SeverityInfo},
	}
)

// Register 供各模块在 init 中登记自己的错误码，重复登记以后者为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

func lookup(code Code) (Attributes, bool) {
	registryMu.RLock()
	attr, ok := registry[code]
	registryMu.RUnlock()
	return attr, ok
}

// AttributesOf 返回错误码的默认行为，未登记的码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	if attr, ok := lookup(code); ok {
		return attr
	}
	attr, _ := lookup(CodeUnknown)
	return attr
}

// maxParentDepth 限制 Parent 链的遍历深度，链上有环时在此处截断。
const maxParentDepth = 16

// IsSubtype 沿 Parent 链判断 code 是否为 ancestor 本身或其后代。
func IsSubtype(code, ancestor Code) bool {
	for hops := 0; code != "" && hops < maxParentDepth; hops++ {
		if code == ancestor {
			return true
		}
		attr, ok := lookup(code)
		if !ok {
			return false
		}
		code = attr.Parent
	}
	return false
}

// Error 携带错误码、可选的根因，以及覆盖错误码默认行为的设置。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	details  []string
	override struct {
		retryable *bool
		alert     *bool
		severity  *Severity
	}
}

// Option 在构造时调整 Error。
type Option func(*Error)

// WithMetadata 附加一个键值对，写入 API 错误体与告警。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithDetails 附加面向用户的明细，例如策略引擎给出的全部违规原因。
func WithDetails(details ...string) Option {
	return func(e *Error) { e.details = append(e.details, details...) }
}

// WithRetryable 覆盖错误码的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.override.retryable = &retryable }
}

// WithAlert 覆盖错误码的告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.override.alert = &alert }
}

// WithSeverity 覆盖错误码的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.override.severity = &sev }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，但保留 cause 供 errors.Is/As 继续向下匹配。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is(err, New(parent, "")) 对 parent 的所有子类型成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && IsSubtype(e.code, t.code)
}

// Code 返回错误码，nil 视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与根因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Details 返回明细的副本。
func (e *Error) Details() []string {
	if e == nil || len(e.details) == 0 {
		return nil
	}
	return append([]string(nil), e.details...)
}

func (e *Error) Retryable() bool {
	return e != nil && pick(e.override.retryable, AttributesOf(e.code).Retryable)
}

func (e *Error) ShouldAlert() bool {
	return e != nil && pick(e.override.alert, AttributesOf(e.code).Alert)
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return pick(e.override.severity, AttributesOf(e.code).Severity)
}

func pick[T any](override *T, fallback T) T {
	if override != nil {
		return *override
	}
	return fallback
}

// From 返回错误链上第一个 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// inspect 对错误链上第一个 *Error 取值，没有时返回 fallback。
func inspect[T any](err error, get func(*Error) T, fallback T) T {
	if e, ok := From(err); ok {
		return get(e)
	}
	return fallback
}

// CodeOf 返回错误码，非 *Error 的错误为 UNKNOWN。
func CodeOf(err error) Code {
	return inspect(err, (*Error).Code, CodeUnknown)
}

// HasCode 判断错误码是否为 code 或其子类型。
func HasCode(err error, code Code) bool {
	return inspect(err, func(e *Error) bool { return IsSubtype(e.code, code) }, false)
}

// DetailsOf 返回错误携带的明细。
func DetailsOf(err error) []string {
	return inspect(err, (*Error).Details, nil)
}

// MetadataOf 返回错误携带的附加信息。
func MetadataOf(err error) map[string]string {
	return inspect(err, (*Error).Metadata, nil)
}

// RetryableError 判断任意 error 是否可重试，未分类的错误不可重试。
func RetryableError(err error) bool {
	return inspect(err, (*Error).Retryable, false)
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	return inspect(err, (*Error).ShouldAlert, false)
}

// SeverityOf 返回严重程度，未分类的错误按 UNKNOWN 的级别处理。
func SeverityOf(err error) Severity {
	return inspect(err, (*Error).Severity, AttributesOf(CodeUnknown).Severity)
}
