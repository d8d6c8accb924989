package facilitator

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "chimera/internal/errors"
	"chimera/internal/intent"
	"chimera/internal/observability/alerting"
	"chimera/internal/observability/metrics"
	"chimera/internal/policy"
	"chimera/internal/signature"
	"chimera/internal/web3"
	"chimera/pkg/logger"
)

const defaultDetachedTimeout = 10 * time.Minute

// Request 是一次代付执行请求。Internal 只能由服务端内部设置，用于跳过验签。
type Request struct {
	Intent    intent.Intent `json:"intent"`
	Signature string        `json:"signature"`
	User      string        `json:"user,omitempty"`
	Internal  bool          `json:"-"`
}

// PolicyInfo 是执行后的剩余额度快照。
type PolicyInfo struct {
	RemainingSpend policy.RemainingSpend `json:"remainingSpend"`
	RemainingTx    policy.RemainingTx    `json:"remainingTx"`
}

// Result 描述一次成功的链上执行。
type Result struct {
	Success         bool       `json:"success"`
	User            string     `json:"user"`
	TxHash          string     `json:"txHash"`
	BlockNumber     uint64     `json:"blockNumber"`
	GasUsed         uint64     `json:"gasUsed"`
	GasSpent        string     `json:"gasSpent"`
	ContractAddress string     `json:"contractAddress,omitempty"`
	PolicyInfo      PolicyInfo `json:"policyInfo"`
}

// Estimate 是仅用于展示的费用估算。
type Estimate struct {
	Type             intent.Type `json:"type"`
	GasLimit         uint64      `json:"gasLimit"`
	GasPrice         string      `json:"gasPrice"`
	EstimatedCost    string      `json:"estimatedCost"`
	EstimatedCostWei string      `json:"estimatedCostWei"`
}

// Balance 是代付账户的余额。
type Balance struct {
	Address string `json:"address"`
	Wei     string `json:"wei"`
	Ether   string `json:"ether"`
}

// Facilitator 验证用户意图、执行策略并以自有账户代付上链。
type Facilitator struct {
	chain      web3.Client
	ledger     *policy.Ledger
	dispatcher *Dispatcher
	domain     signature.Domain
	alerts     alerting.Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger
	detached   time.Duration
	pending    sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Facilitator)

// WithAlertDispatcher 设置告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(f *Facilitator) {
		f.alerts = d
	}
}

// WithMetrics 设置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facilitator) {
		f.metrics = m
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(f *Facilitator) {
		if log != nil {
			f.log = log
		}
	}
}

// WithDetachedTimeout 设置调用方断开后后台等待确认的最长时间。
func WithDetachedTimeout(d time.Duration) Option {
	return func(f *Facilitator) {
		if d > 0 {
			f.detached = d
		}
	}
}

// New 创建代付服务。
func New(chain web3.Client, ledger *policy.Ledger, domain signature.Domain, opts ...Option) *Facilitator {
	f := &Facilitator{
		chain:      chain,
		ledger:     ledger,
		dispatcher: NewDispatcher(chain),
		domain:     domain,
		log:        logger.Named("facilitator"),
		detached:   defaultDetachedTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Domain 返回签名域。
func (f *Facilitator) Domain() signature.Domain {
	return f.domain
}

// Wait 等待所有后台确认结束。
func (f *Facilitator) Wait() {
	f.pending.Wait()
}

// ExecuteUserIntent 验签、校验策略、发送交易并等待确认。
func (f *Facilitator) ExecuteUserIntent(ctx context.Context, req Request) (Result, error) {
	in := req.Intent
	user, err := f.resolveUser(req)
	if err != nil {
		f.metrics.ObserveExecution(string(in.Type), "rejected", 0)
		return Result{}, err
	}
	userKey := policy.NormalizeUser(user.Hex())
	log := f.log.With(slog.String("user", userKey), slog.Uint64("nonce", in.Nonce), slog.String("type", string(in.Type)))

	// 策略违规（含重放）必须在任何链上读取之前返回。
	if err := f.ledger.Check(ctx, userKey, in); err != nil {
		return Result{}, f.rejected(ctx, userKey, in, err)
	}

	plan, err := f.dispatcher.Build(ctx, in, user)
	if err != nil {
		f.metrics.ObserveExecution(string(in.Type), "rejected", 0)
		return Result{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid intent payload")
	}

	cost, err := f.precheckBalance(ctx, userKey, plan)
	if err != nil {
		f.metrics.ObserveExecution(string(in.Type), "rejected", 0)
		return Result{}, err
	}

	// Check 之后账本可能已变化，Reserve 在临界区内重新校验并带上费用估算。
	if err := f.ledger.Reserve(ctx, userKey, in, cost); err != nil {
		return Result{}, f.rejected(ctx, userKey, in, err)
	}

	// 交易一旦广播，账本写入不再跟随调用方取消。
	bg := context.WithoutCancel(ctx)

	hash, err := f.chain.Send(ctx, plan.Request)
	if err != nil {
		f.abort(bg, log, userKey, in.Nonce)
		execErr := xerrors.Wrap(xerrors.CodeExecutionFailed, err, "transaction submission failed",
			xerrors.WithMetadata("landed", "false"))
		f.fail(bg, log, userKey, in, execErr, "submit_failed")
		return Result{}, execErr
	}
	log = log.With(slog.String("tx_hash", hash.Hex()))

	receipt, err := f.chain.WaitReceipt(ctx, hash)
	if err != nil && ctx.Err() != nil {
		f.confirmDetached(userKey, in, hash)
		log.Warn("confirmation wait interrupted, continuing in background", slog.Any("error", err))
		return Result{}, xerrors.Wrap(xerrors.CodeTimeout, err, "transaction broadcast, confirmation pending",
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	if err != nil {
		return Result{}, f.unconfirmed(bg, log, userKey, in, hash, err)
	}

	if !receipt.Succeeded() {
		f.abort(bg, log, userKey, in.Nonce)
		execErr := xerrors.New(xerrors.CodeExecutionFailed, "transaction reverted",
			xerrors.WithMetadata("landed", "true"),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
		f.fail(bg, log, userKey, in, execErr, "reverted")
		return Result{}, execErr
	}

	f.record(bg, log, userKey, in, receipt)
	result := Result{
		Success:     true,
		User:        userKey,
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
		GasSpent:    receipt.Cost().String(),
	}
	if receipt.ContractAddress != (common.Address{}) {
		result.ContractAddress = receipt.ContractAddress.Hex()
	}
	if info, err := f.policyInfo(bg, userKey); err == nil {
		result.PolicyInfo = info
	} else {
		log.Warn("remaining quota unavailable", slog.Any("error", err))
	}
	return result, nil
}

// resolveUser 确定意图的归属用户。验签失败一律返回 INVALID_SIGNATURE。
func (f *Facilitator) resolveUser(req Request) (common.Address, error) {
	claimed := strings.TrimSpace(req.User)
	if req.Internal {
		if !common.IsHexAddress(claimed) {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "internal execution requires a user address")
		}
		logger.Audit().Warn("signature verification bypassed for internal execution",
			slog.String("user", strings.ToLower(claimed)),
			slog.Uint64("nonce", req.Intent.Nonce),
			slog.String("type", string(req.Intent.Type)))
		return common.HexToAddress(claimed), nil
	}

	sig, err := signature.Decode(req.Signature)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := signature.Verify(req.Intent, sig, f.domain)
	if err != nil {
		return common.Address{}, err
	}
	if claimed != "" && (!common.IsHexAddress(claimed) || common.HexToAddress(claimed) != signer) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidSignature, "signer does not match user",
			xerrors.WithMetadata("signer", signer.Hex()))
	}
	return signer, nil
}

// precheckBalance 在占用 nonce 之前确认代付账户能覆盖基准费用与转出金额。
func (f *Facilitator) precheckBalance(ctx context.Context, user string, plan Plan) (*big.Int, error) {
	price, err := f.chain.GasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "gas price unavailable", xerrors.WithMetadata("landed", "false"))
	}
	gas := new(big.Int).Mul(new(big.Int).SetUint64(plan.Baseline), price)
	required := new(big.Int).Add(gas, plan.Value())

	balance, err := f.chain.Balance(ctx, f.chain.Address())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "facilitator balance unavailable", xerrors.WithMetadata("landed", "false"))
	}
	f.metrics.SetBalance(balance)
	if balance.Cmp(required) < 0 {
		err := xerrors.New(xerrors.CodeInsufficientFunds, "",
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("required", required.String()))
		f.log.Error("facilitator balance too low", slog.String("balance", balance.String()), slog.String("required", required.String()))
		alerting.Raise(ctx, f.alerts, err, user, nil)
		return nil, err
	}
	return gas, nil
}

func (f *Facilitator) rejected(ctx context.Context, user string, in intent.Intent, err error) error {
	f.metrics.ObservePolicyRejection(policy.ViolatedRules(err)...)
	f.metrics.ObserveExecution(string(in.Type), "rejected", 0)
	alerting.Raise(ctx, f.alerts, err, user, map[string]string{"nonce": strconv.FormatUint(in.Nonce, 10)})
	return err
}

// unconfirmed 处理已广播但无法取得回执的交易：nonce 保持占用，pending 记录移除。
func (f *Facilitator) unconfirmed(ctx context.Context, log *slog.Logger, user string, in intent.Intent, hash common.Hash, cause error) error {
	if err := f.ledger.Discard(ctx, user, in.Nonce); err != nil {
		log.Error("discard reservation failed", slog.Any("error", err))
	}
	execErr := xerrors.Wrap(xerrors.CodeExecutionFailed, cause, "transaction receipt unavailable",
		xerrors.WithMetadata("landed", "unknown"),
		xerrors.WithMetadata("tx_hash", hash.Hex()))
	f.fail(ctx, log, user, in, execErr, "unconfirmed")
	return execErr
}

func (f *Facilitator) abort(ctx context.Context, log *slog.Logger, user string, nonce uint64) {
	if err := f.ledger.Abort(ctx, user, nonce); err != nil {
		log.Error("abort reservation failed", slog.Any("error", err))
	}
}

func (f *Facilitator) fail(ctx context.Context, log *slog.Logger, user string, in intent.Intent, err error, outcome string) {
	f.metrics.ObserveExecution(string(in.Type), outcome, 0)
	log.Error("intent execution failed", slog.Any("error", err))
	logger.Audit().Error("intent execution failed",
		slog.String("user", user),
		slog.Uint64("nonce", in.Nonce),
		slog.String("type", string(in.Type)),
		slog.String("outcome", outcome),
		slog.Any("metadata", xerrors.MetadataOf(err)))
	alerting.Raise(ctx, f.alerts, err, user, map[string]string{"nonce": strconv.FormatUint(in.Nonce, 10)})
}

func (f *Facilitator) record(ctx context.Context, log *slog.Logger, user string, in intent.Intent, receipt web3.Receipt) {
	outcome := policy.Outcome{TxHash: receipt.TxHash.Hex(), GasSpent: receipt.Cost()}
	if err := f.ledger.RecordTransaction(ctx, user, in, outcome); err != nil {
		log.Error("record transaction failed", slog.Any("error", err))
	}
	f.metrics.ObserveExecution(string(in.Type), "success", receipt.GasUsed)
	logger.Audit().Info("intent executed",
		slog.String("user", user),
		slog.Uint64("nonce", in.Nonce),
		slog.String("type", string(in.Type)),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
		slog.String("gas_spent", outcome.GasSpent.String()))
}

// confirmDetached 在后台继续等待已广播的交易并补记账本。
func (f *Facilitator) confirmDetached(user string, in intent.Intent, hash common.Hash) {
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.detached)
		defer cancel()
		log := f.log.With(slog.String("user", user), slog.Uint64("nonce", in.Nonce), slog.String("tx_hash", hash.Hex()))

		receipt, err := f.chain.WaitReceipt(ctx, hash)
		if err != nil {
			f.unconfirmed(context.WithoutCancel(ctx), log, user, in, hash, err)
			return
		}
		if !receipt.Succeeded() {
			f.abort(ctx, log, user, in.Nonce)
			f.fail(ctx, log, user, in, xerrors.New(xerrors.CodeExecutionFailed, "transaction reverted",
				xerrors.WithMetadata("landed", "true"), xerrors.WithMetadata("tx_hash", hash.Hex())), "reverted")
			return
		}
		f.record(ctx, log, user, in, receipt)
	}()
}

func (f *Facilitator) policyInfo(ctx context.Context, user string) (PolicyInfo, error) {
	spend, err := f.ledger.GetRemainingSpend(ctx, user)
	if err != nil {
		return PolicyInfo{}, err
	}
	tx, err := f.ledger.GetRemainingTx(ctx, user)
	if err != nil {
		return PolicyInfo{}, err
	}
	return PolicyInfo{RemainingSpend: spend, RemainingTx: tx}, nil
}

// BaselineGas 返回意图类型对应的固定基准 gas。
func BaselineGas(in intent.Intent) uint64 {
	switch in.Type {
	case intent.TypeDeployContract:
		return GasDeploy
	case intent.TypeCallContract:
		return GasCall
	case intent.TypeSwap:
		return GasSwap
	case intent.TypeTransfer:
		if p, err := in.Transfer(); err == nil && !intent.IsNative(p.Token) {
			return GasTokenTransfer
		}
		return GasTransfer
	default:
		return 0
	}
}

// EstimateGas 以基准 gas 乘以当前 gas 价格估算费用，仅供展示。
func (f *Facilitator) EstimateGas(ctx context.Context, in intent.Intent) (Estimate, error) {
	if !in.Type.Valid() {
		return Estimate{}, xerrors.New(xerrors.CodeInvalidArgument, "unknown intent type "+string(in.Type))
	}
	gas := BaselineGas(in)
	price, err := f.chain.GasPrice(ctx)
	if err != nil {
		return Estimate{}, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "gas price unavailable")
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	return Estimate{
		Type:             in.Type,
		GasLimit:         gas,
		GasPrice:         price.String(),
		EstimatedCost:    intent.FormatUnits(cost, intent.NativeDecimals),
		EstimatedCostWei: cost.String(),
	}, nil
}

// GetBalance 返回代付账户余额。
func (f *Facilitator) GetBalance(ctx context.Context) (Balance, error) {
	addr := f.chain.Address()
	wei, err := f.chain.Balance(ctx, addr)
	if err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "facilitator balance unavailable")
	}
	f.metrics.SetBalance(wei)
	return Balance{Address: addr.Hex(), Wei: wei.String(), Ether: intent.FormatUnits(wei, intent.NativeDecimals)}, nil
}

// GetPolicy 返回当前生效的策略配置。
func (f *Facilitator) GetPolicy() policy.View {
	return f.ledger.Engine().Config().View()
}

// GetRemainingSpend 返回用户在各消费窗口的剩余额度。
func (f *Facilitator) GetRemainingSpend(ctx context.Context, user string) (policy.RemainingSpend, error) {
	if !common.IsHexAddress(user) {
		return policy.RemainingSpend{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid user address")
	}
	return f.ledger.GetRemainingSpend(ctx, user)
}

// GetRemainingTx 返回用户在各速率窗口的剩余交易数。
func (f *Facilitator) GetRemainingTx(ctx context.Context, user string) (policy.RemainingTx, error) {
	if !common.IsHexAddress(user) {
		return policy.RemainingTx{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid user address")
	}
	return f.ledger.GetRemainingTx(ctx, user)
}
