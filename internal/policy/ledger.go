package policy

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "chimera/internal/errors"
	"chimera/internal/intent"
	"chimera/pkg/logger"
)

// Ledger 组合存储与引擎，对外提供记账与额度查询。
type Ledger struct {
	store  Store
	engine *Engine
	now    func() time.Time
	log    *slog.Logger
}

// LedgerOption 定义可选配置。
type LedgerOption func(*Ledger)

// WithClock 替换时间来源，测试中用于推进滑动窗口。
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLedgerLogger 指定日志输出。
func WithLedgerLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.log = log
	}
}

// NewLedger 创建账本。
func NewLedger(store Store, engine *Engine, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, engine: engine, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.log == nil {
		l.log = logger.Named("policy")
	}
	return l
}

// Engine 返回账本使用的策略引擎。
func (l *Ledger) Engine() *Engine {
	return l.engine
}

// Check 在不占用 nonce 的前提下按当前账本只读地校验意图，不含需要费用估算的单笔上限。
// 执行方在任何链上读取之前调用它，违规结果与 Reserve 相同。
func (l *Ledger) Check(ctx context.Context, user string, in intent.Intent) error {
	user = NormalizeUser(user)
	st, err := l.store.Snapshot(ctx, user)
	if err != nil {
		return storageError(err, "load policy state")
	}
	used, err := l.store.NonceUsed(ctx, in.Nonce)
	if err != nil {
		return storageError(err, "check nonce")
	}
	violations := l.engine.Validate(Check{Intent: in, User: user, State: st, NonceUsed: used, Now: l.now()})
	return l.reject(user, in, violations)
}

// Reserve 在存储的临界区内完成策略校验与 nonce 提交。
// 违规时返回 POLICY_VIOLATION，包含重放时返回 REPLAYED_NONCE。
func (l *Ledger) Reserve(ctx context.Context, user string, in intent.Intent, estimatedCost *big.Int) error {
	user = NormalizeUser(user)
	now := l.now()
	violations, err := l.store.Reserve(ctx, Reservation{User: user, Nonce: in.Nonce, Type: in.Type, At: now},
		func(state State, nonceUsed bool) []Violation {
			return l.engine.Validate(Check{
				Intent:        in,
				User:          user,
				State:         state,
				NonceUsed:     nonceUsed,
				EstimatedCost: estimatedCost,
				Now:           now,
			})
		})
	if err != nil {
		return storageError(err, "reserve nonce")
	}
	return l.reject(user, in, violations)
}

func (l *Ledger) reject(user string, in intent.Intent, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	verr := ViolationError(violations)
	if xerrors.HasCode(verr, xerrors.CodeReplayedNonce) {
		l.log.Warn("nonce replay rejected", slog.String("user", user), slog.Uint64("nonce", in.Nonce))
	}
	logger.Audit().Info("intent rejected by policy",
		slog.String("user", user),
		slog.Uint64("nonce", in.Nonce),
		slog.String("type", string(in.Type)),
		slog.Any("violations", xerrors.DetailsOf(verr)),
	)
	return verr
}

// RecordTransaction 记录一次已确认的执行。
func (l *Ledger) RecordTransaction(ctx context.Context, user string, in intent.Intent, outcome Outcome) error {
	if outcome.Confirmed.IsZero() {
		outcome.Confirmed = l.now()
	}
	return storageError(l.store.Commit(ctx, NormalizeUser(user), in.Nonce, outcome), "record transaction")
}

// Abort 撤销预留记录，是否归还 nonce 取决于 nonce 策略。
func (l *Ledger) Abort(ctx context.Context, user string, nonce uint64) error {
	release := l.engine.Config().NoncePolicy == NonceRelease
	if err := l.store.Abort(ctx, NormalizeUser(user), nonce, release); err != nil {
		return storageError(err, "abort reservation")
	}
	l.log.Info("reservation aborted", slog.String("user", user), slog.Uint64("nonce", nonce), slog.Bool("nonce_released", release))
	return nil
}

// Discard 删除 pending 记录但始终保留 nonce，用于已广播而结果未知的交易。
func (l *Ledger) Discard(ctx context.Context, user string, nonce uint64) error {
	if err := l.store.Abort(ctx, NormalizeUser(user), nonce, false); err != nil {
		return storageError(err, "discard reservation")
	}
	l.log.Warn("reservation discarded with outcome unknown", slog.String("user", user), slog.Uint64("nonce", nonce))
	return nil
}

// TrackNonce 单独登记已使用的 nonce。
func (l *Ledger) TrackNonce(ctx context.Context, user string, nonce uint64) (bool, error) {
	inserted, err := l.store.TrackNonce(ctx, NormalizeUser(user), nonce)
	return inserted, storageError(err, "track nonce")
}

// Snapshot 返回用户的交易历史。
func (l *Ledger) Snapshot(ctx context.Context, user string) (State, error) {
	st, err := l.store.Snapshot(ctx, NormalizeUser(user))
	return st, storageError(err, "load policy state")
}

// GetRemainingSpend 返回各消费窗口的剩余额度。
func (l *Ledger) GetRemainingSpend(ctx context.Context, user string) (RemainingSpend, error) {
	st, err := l.Snapshot(ctx, user)
	if err != nil {
		return RemainingSpend{}, err
	}
	return l.engine.RemainingSpend(st, l.now()), nil
}

// GetRemainingTx 返回各速率窗口的剩余交易数。
func (l *Ledger) GetRemainingTx(ctx context.Context, user string) (RemainingTx, error) {
	st, err := l.Snapshot(ctx, user)
	if err != nil {
		return RemainingTx{}, err
	}
	return l.engine.RemainingTx(st, l.now()), nil
}

// ViolationError 将违规列表转换为统一错误，明细保留全部原因。
func ViolationError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	code := xerrors.CodePolicyViolation
	messages := make([]string, len(violations))
	rules := make([]string, len(violations))
	for i, v := range violations {
		messages[i] = v.Message
		rules[i] = v.Rule
		if v.Rule == RuleReplay {
			code = xerrors.CodeReplayedNonce
		}
	}
	return xerrors.New(code, strings.Join(messages, "; "),
		xerrors.WithDetails(messages...),
		xerrors.WithMetadata("rules", strings.Join(rules, ",")))
}

// ViolatedRules 返回错误中记录的规则名称。
func ViolatedRules(err error) []string {
	rules := xerrors.MetadataOf(err)["rules"]
	if rules == "" {
		return nil
	}
	return strings.Split(rules, ",")
}

// Violations 提取错误中携带的全部违规原因。
func Violations(err error) []string {
	if !xerrors.HasCode(err, xerrors.CodePolicyViolation) {
		return nil
	}
	return xerrors.DetailsOf(err)
}
