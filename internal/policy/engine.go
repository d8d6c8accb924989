package policy

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chimera/internal/intent"
)

// 规则名称，用于指标标签与审计日志。
const (
	RuleDeadline = "deadline"
	RuleReplay   = "replay"
	RuleType     = "intent_type"
	RuleRate     = "rate"
	RuleSpend    = "spend"
	RuleContract = "contract"
	RuleAudit    = "audit"
	RulePerTxCap = "per_tx_cap"
)

// Violation 是一条可读的违规原因。
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

type window struct {
	label    string
	duration time.Duration
}

var (
	minuteWindow = window{label: "minute", duration: time.Minute}
	hourWindow   = window{label: "hour", duration: time.Hour}
	dayWindow    = window{label: "day", duration: 24 * time.Hour}
)

// Check 汇总一次校验所需的全部输入。
type Check struct {
	Intent        intent.Intent
	User          string
	State         State
	NonceUsed     bool
	EstimatedCost *big.Int
	Now           time.Time
}

// Engine 是无状态的规则求值器。
type Engine struct {
	cfg Config
}

// NewEngine 创建策略引擎。
func NewEngine(cfg Config) *Engine {
	cfg.normalize()
	return &Engine{cfg: cfg}
}

// Config 返回引擎使用的配置。
func (e *Engine) Config() Config {
	return e.cfg
}

// Validate 独立评估每条规则并返回全部违规，不在首条失败时短路。
func (e *Engine) Validate(c Check) []Violation {
	var out []Violation
	add := func(rule, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}
	now := c.Now
	in := c.Intent

	if in.Deadline < now.Unix() {
		add(RuleDeadline, "intent deadline %d has passed (now %d)", in.Deadline, now.Unix())
	}

	if c.NonceUsed {
		add(RuleReplay, "nonce %d has already been used", in.Nonce)
	}

	if !e.typeAllowed(in.Type) {
		add(RuleType, "intent type %q is not allowed", in.Type)
	}

	for _, w := range []struct {
		window
		max int
	}{{minuteWindow, e.cfg.MaxTxPerMinute}, {hourWindow, e.cfg.MaxTxPerHour}, {dayWindow, e.cfg.MaxTxPerDay}} {
		if w.max <= 0 {
			continue
		}
		if count := c.State.CountSince(now, w.duration); count >= w.max {
			add(RuleRate, "rate limit exceeded: %d transactions in the last %s (max %d)", count, w.label, w.max)
		}
	}

	for _, w := range []struct {
		window
		max *big.Int
	}{{hourWindow, e.cfg.MaxSpendPerHour}, {dayWindow, e.cfg.MaxSpendPerDay}} {
		if w.max == nil || w.max.Sign() <= 0 {
			continue
		}
		if spent := c.State.SpentSince(now, w.duration); spent.Cmp(w.max) >= 0 {
			add(RuleSpend, "spend limit exceeded: %s spent in the last %s (max %s)",
				intent.FormatUnits(spent, intent.NativeDecimals), w.label, intent.FormatUnits(w.max, intent.NativeDecimals))
		}
	}

	if in.Type == intent.TypeCallContract {
		if target, ok := in.TargetContract(); !ok {
			add(RuleContract, "call_contract intent has no valid target contract")
		} else if containsAddress(e.cfg.DeniedContracts, target) {
			add(RuleContract, "contract %s is denied", target.Hex())
		} else if len(e.cfg.AllowedContracts) > 0 && !containsAddress(e.cfg.AllowedContracts, target) {
			add(RuleContract, "contract %s is not in the allow-list", target.Hex())
		}
	}

	if in.Type == intent.TypeDeployContract && e.cfg.RequireAudit {
		if score := in.AuditScore(); score < e.cfg.MinAuditScore {
			add(RuleAudit, "audit score %g is below the minimum %g", score, e.cfg.MinAuditScore)
		}
	}

	if e.cfg.EnforcePerTxCap && c.EstimatedCost != nil && e.cfg.MaxSpendPerTx != nil && e.cfg.MaxSpendPerTx.Sign() > 0 {
		if c.EstimatedCost.Cmp(e.cfg.MaxSpendPerTx) > 0 {
			add(RulePerTxCap, "estimated cost %s exceeds the per-transaction cap %s",
				intent.FormatUnits(c.EstimatedCost, intent.NativeDecimals), intent.FormatUnits(e.cfg.MaxSpendPerTx, intent.NativeDecimals))
		}
	}

	return out
}

// RemainingSpend 是各消费窗口内的剩余额度。
type RemainingSpend struct {
	PerHour *big.Int `json:"perHour"`
	PerDay  *big.Int `json:"perDay"`
}

// RemainingTx 是各速率窗口内的剩余交易数。
type RemainingTx struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
}

// RemainingSpend 计算消费窗口的补集，不会为负。
func (e *Engine) RemainingSpend(state State, now time.Time) RemainingSpend {
	return RemainingSpend{
		PerHour: remainingAmount(e.cfg.MaxSpendPerHour, state.SpentSince(now, hourWindow.duration)),
		PerDay:  remainingAmount(e.cfg.MaxSpendPerDay, state.SpentSince(now, dayWindow.duration)),
	}
}

// RemainingTx 计算速率窗口的补集，不会为负。
func (e *Engine) RemainingTx(state State, now time.Time) RemainingTx {
	return RemainingTx{
		PerMinute: remainingCount(e.cfg.MaxTxPerMinute, state.CountSince(now, minuteWindow.duration)),
		PerHour:   remainingCount(e.cfg.MaxTxPerHour, state.CountSince(now, hourWindow.duration)),
		PerDay:    remainingCount(e.cfg.MaxTxPerDay, state.CountSince(now, dayWindow.duration)),
	}
}

func (e *Engine) typeAllowed(t intent.Type) bool {
	for _, allowed := range e.cfg.AllowedIntentTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

func containsAddress(list []common.Address, target common.Address) bool {
	for _, a := range list {
		if a == target {
			return true
		}
	}
	return false
}

func remainingAmount(limit, used *big.Int) *big.Int {
	if limit == nil {
		return new(big.Int)
	}
	left := new(big.Int).Sub(limit, used)
	if left.Sign() < 0 {
		return new(big.Int)
	}
	return left
}

func remainingCount(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
