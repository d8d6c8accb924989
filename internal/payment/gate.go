package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"chimera/internal/config"
	xerrors "chimera/internal/errors"
	"chimera/internal/observability/metrics"
	"chimera/internal/signature"
	"chimera/pkg/logger"
)

const defaultTTL = 5 * time.Minute

// Price 是某个端点的价格，Amount 为最小单位。
type Price struct {
	Method string
	Path   string
	Amount *big.Int
	Token  common.Address
}

// Endpoint 返回签名中使用的端点标识，例如 "POST /api/v1/generate"。
func (p Price) Endpoint() string {
	return strings.ToUpper(p.Method) + " " + p.Path
}

type payerKey struct{}

// PayerFromContext 返回通过校验的付款方。
func PayerFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(payerKey{}).(common.Address)
	return addr, ok
}

// WithPayer 将付款方写入上下文。
func WithPayer(ctx context.Context, payer common.Address) context.Context {
	return context.WithValue(ctx, payerKey{}, payer)
}

// Gate 校验 x402 支付凭证。
type Gate struct {
	domain    signature.Domain
	recipient common.Address
	ttl       time.Duration
	prices    map[string]Price
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Gate)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMetrics 设置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate 创建付费网关。
func NewGate(domain signature.Domain, recipient common.Address, ttl time.Duration, prices []Price, opts ...Option) *Gate {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	g := &Gate{
		domain:    domain,
		recipient: recipient,
		ttl:       ttl,
		prices:    make(map[string]Price, len(prices)),
		now:       time.Now,
		log:       logger.Named("payment"),
	}
	for _, p := range prices {
		g.prices[p.Endpoint()] = p
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// FromConfig 根据配置文件创建网关，路由未指定代币时使用全局代币。
func FromConfig(domain signature.Domain, cfg config.PaymentConfig, opts ...Option) (*Gate, error) {
	if !common.IsHexAddress(cfg.Recipient) {
		return nil, fmt.Errorf("收款地址无效: %q", cfg.Recipient)
	}
	prices := make([]Price, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(r.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("端点 %s %s 的价格无效: %q", r.Method, r.Path, r.Amount)
		}
		token := r.Token
		if token == "" {
			token = cfg.Token
		}
		if token == "" {
			token = common.Address{}.Hex()
		}
		if !common.IsHexAddress(token) {
			return nil, fmt.Errorf("端点 %s %s 的代币地址无效: %q", r.Method, r.Path, token)
		}
		method := r.Method
		if method == "" {
			method = http.MethodPost
		}
		prices = append(prices, Price{Method: method, Path: r.Path, Amount: amount, Token: common.HexToAddress(token)})
	}
	ttl := time.Duration(cfg.ChallengeTTLSecs) * time.Second
	return NewGate(domain, common.HexToAddress(cfg.Recipient), ttl, prices, opts...), nil
}

// Middleware 按请求方法与路径匹配价格，未定价的请求直接放行。
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		price, ok := g.prices[strings.ToUpper(r.Method)+" "+r.URL.Path]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		g.serve(price, next, w, r)
	})
}

func (g *Gate) serve(price Price, next http.Handler, w http.ResponseWriter, r *http.Request) {
	header := strings.TrimSpace(r.Header.Get(HeaderPayment))
	if header == "" {
		g.metrics.ObservePayment("challenged")
		g.challenge(w, price, "")
		return
	}
	payer, err := g.Verify(price, header)
	if err != nil {
		g.metrics.ObservePayment("rejected")
		g.log.Info("payment rejected", slog.String("endpoint", price.Endpoint()), slog.Any("error", err))
		g.challenge(w, price, err.Error())
		return
	}
	g.metrics.ObservePayment("accepted")
	logger.Audit().Info("payment accepted",
		slog.String("payer", payer.Hex()),
		slog.String("endpoint", price.Endpoint()),
		slog.String("amount", price.Amount.String()))
	next.ServeHTTP(w, r.WithContext(WithPayer(r.Context(), payer)))
}

// NewChallenge 生成带有新支付 ID 的挑战。
func (g *Gate) NewChallenge(price Price) Challenge {
	chainID := "0"
	if g.domain.ChainID != nil {
		chainID = g.domain.ChainID.String()
	}
	return Challenge{
		X402Version:       1,
		PaymentID:         uuid.NewString(),
		Amount:            price.Amount.String(),
		Token:             price.Token.Hex(),
		Recipient:         g.recipient.Hex(),
		Endpoint:          price.Endpoint(),
		Deadline:          g.now().Add(g.ttl).Unix(),
		ChainID:           chainID,
		VerifyingContract: g.domain.VerifyingContract.Hex(),
	}
}

func (g *Gate) challenge(w http.ResponseWriter, price Price, reason string) {
	c := g.NewChallenge(price)
	c.Error = reason
	if reason == "" {
		c.Error = "X-PAYMENT header is required"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(c)
}

// Verify 解码凭证并恢复付款方。金额与代币必须与价格完全相等。
func (g *Gate) Verify(price Price, header string) (common.Address, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(header); err != nil {
			return common.Address{}, invalid("payment header is not base64")
		}
	}
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return common.Address{}, invalid("payment header is not JSON")
	}
	typed, err := proof.Payment.Typed()
	if err != nil {
		return common.Address{}, invalid(err.Error())
	}

	switch {
	case typed.Amount.Cmp(price.Amount) != 0:
		return common.Address{}, invalid(fmt.Sprintf("amount %s does not equal price %s", typed.Amount, price.Amount))
	case typed.Token != price.Token:
		return common.Address{}, invalid("token does not match price")
	case typed.Recipient != g.recipient:
		return common.Address{}, invalid("recipient does not match")
	case typed.Endpoint != price.Endpoint():
		return common.Address{}, invalid(fmt.Sprintf("payment is for %q, not %q", typed.Endpoint, price.Endpoint()))
	case typed.Deadline < g.now().Unix():
		return common.Address{}, invalid("payment deadline has passed")
	}

	sig, err := signature.Decode(proof.Signature)
	if err != nil {
		return common.Address{}, err
	}
	return signature.VerifyPayment(typed, sig, g.domain)
}

func invalid(reason string) error {
	return xerrors.New(xerrors.CodeInvalidPayment, reason)
}

// EncodeProof 生成 X-PAYMENT 头的值。
func EncodeProof(p Proof) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
