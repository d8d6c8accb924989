package policy

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"chimera/internal/config"
	"chimera/internal/intent"
)

// NoncePolicy 决定执行失败后 nonce 是否归还。
type NoncePolicy string

const (
	// NonceBurn 失败后 nonce 依旧视为已使用，防止恶意重试。
	NonceBurn NoncePolicy = "burn"
	// NonceRelease 失败后归还 nonce，允许用户用同一授权重试。
	NonceRelease NoncePolicy = "release"
)

// DefaultHistoryLimit 是每个用户保留的最大交易记录数。
const DefaultHistoryLimit = 1000

// Config 是注入策略引擎的静态配置，金额单位为 wei。
type Config struct {
	MaxSpendPerTx      *big.Int
	MaxSpendPerHour    *big.Int
	MaxSpendPerDay     *big.Int
	MaxTxPerMinute     int
	MaxTxPerHour       int
	MaxTxPerDay        int
	AllowedIntentTypes []intent.Type
	AllowedContracts   []common.Address
	DeniedContracts    []common.Address
	MinAuditScore      float64
	RequireAudit       bool
	EnforcePerTxCap    bool
	NoncePolicy        NoncePolicy
	HistoryLimit       int
}

// DefaultConfig 返回与默认配置文件一致的策略。
func DefaultConfig() Config {
	cfg, err := FromSettings(config.Default().Policy)
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromSettings 将配置文件中的策略段转换为引擎配置。
func FromSettings(s config.PolicyConfig) (Config, error) {
	perTx, err := intent.ParseUnits(s.MaxSpendPerTx, intent.NativeDecimals)
	if err != nil {
		return Config{}, fmt.Errorf("max_spend_per_tx: %w", err)
	}
	perHour, err := intent.ParseUnits(s.MaxSpendPerHour, intent.NativeDecimals)
	if err != nil {
		return Config{}, fmt.Errorf("max_spend_per_hour: %w", err)
	}
	perDay, err := intent.ParseUnits(s.MaxSpendPerDay, intent.NativeDecimals)
	if err != nil {
		return Config{}, fmt.Errorf("max_spend_per_day: %w", err)
	}

	types := make([]intent.Type, 0, len(s.AllowedIntentTypes))
	for _, raw := range s.AllowedIntentTypes {
		t := intent.Type(strings.TrimSpace(raw))
		if !t.Valid() {
			return Config{}, fmt.Errorf("未知的意图类型: %s", raw)
		}
		types = append(types, t)
	}
	allowed, err := parseAddresses(s.AllowedContracts)
	if err != nil {
		return Config{}, fmt.Errorf("allowed_contracts: %w", err)
	}
	denied, err := parseAddresses(s.DeniedContracts)
	if err != nil {
		return Config{}, fmt.Errorf("denied_contracts: %w", err)
	}

	requireAudit := true
	if s.RequireAudit != nil {
		requireAudit = *s.RequireAudit
	}
	cfg := Config{
		MaxSpendPerTx:      perTx,
		MaxSpendPerHour:    perHour,
		MaxSpendPerDay:     perDay,
		MaxTxPerMinute:     s.MaxTxPerMinute,
		MaxTxPerHour:       s.MaxTxPerHour,
		MaxTxPerDay:        s.MaxTxPerDay,
		AllowedIntentTypes: types,
		AllowedContracts:   allowed,
		DeniedContracts:    denied,
		MinAuditScore:      float64(s.MinAuditScore),
		RequireAudit:       requireAudit,
		EnforcePerTxCap:    s.EnforcePerTxCap,
		NoncePolicy:        NoncePolicy(s.NoncePolicy),
		HistoryLimit:       s.HistoryLimit,
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.NoncePolicy == "" {
		c.NoncePolicy = NonceBurn
	}
	if c.MinAuditScore <= 0 {
		c.MinAuditScore = 80
	}
}

func parseAddresses(values []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("%q 不是合法地址", v)
		}
		out = append(out, common.HexToAddress(v))
	}
	return out, nil
}

// View 是 getPolicy 返回的可序列化策略视图。
type View struct {
	MaxSpendPerTx      string        `json:"maxSpendPerTx"`
	MaxSpendPerHour    string        `json:"maxSpendPerHour"`
	MaxSpendPerDay     string        `json:"maxSpendPerDay"`
	MaxTxPerMinute     int           `json:"maxTxPerMinute"`
	MaxTxPerHour       int           `json:"maxTxPerHour"`
	MaxTxPerDay        int           `json:"maxTxPerDay"`
	AllowedIntentTypes []intent.Type `json:"allowedIntentTypes"`
	AllowedContracts   []string      `json:"allowedContracts"`
	DeniedContracts    []string      `json:"deniedContracts"`
	MinAuditScore      float64       `json:"minAuditScore"`
	RequireAudit       bool          `json:"requireAudit"`
	EnforcePerTxCap    bool          `json:"enforcePerTxCap"`
	NoncePolicy        NoncePolicy   `json:"noncePolicy"`
}

// View 以原生币单位渲染配置。
func (c Config) View() View {
	return View{
		MaxSpendPerTx:      intent.FormatUnits(c.MaxSpendPerTx, intent.NativeDecimals),
		MaxSpendPerHour:    intent.FormatUnits(c.MaxSpendPerHour, intent.NativeDecimals),
		MaxSpendPerDay:     intent.FormatUnits(c.MaxSpendPerDay, intent.NativeDecimals),
		MaxTxPerMinute:     c.MaxTxPerMinute,
		MaxTxPerHour:       c.MaxTxPerHour,
		MaxTxPerDay:        c.MaxTxPerDay,
		AllowedIntentTypes: append([]intent.Type(nil), c.AllowedIntentTypes...),
		AllowedContracts:   hexAll(c.AllowedContracts),
		DeniedContracts:    hexAll(c.DeniedContracts),
		MinAuditScore:      c.MinAuditScore,
		RequireAudit:       c.RequireAudit,
		EnforcePerTxCap:    c.EnforcePerTxCap,
		NoncePolicy:        c.NoncePolicy,
	}
}

func hexAll(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
