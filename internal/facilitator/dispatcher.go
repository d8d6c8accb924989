package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"chimera/internal/intent"
	"chimera/internal/web3"
)

// 各意图类型的基准 gas，仅用于展示与余额预检。
const (
	GasDeploy        uint64 = 3_000_000
	GasCall          uint64 = 200_000
	GasSwap          uint64 = 150_000
	GasTransfer      uint64 = 21_000
	GasTokenTransfer uint64 = 65_000
)

const erc20ABI = `[
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const routerABI = `[
{"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	parsedOnce   sync.Once
	erc20Parsed  abi.ABI
	routerParsed abi.ABI
	parseErr     error
)

func builtinABIs() (abi.ABI, abi.ABI, error) {
	parsedOnce.Do(func() {
		if erc20Parsed, parseErr = abi.JSON(strings.NewReader(erc20ABI)); parseErr != nil {
			return
		}
		routerParsed, parseErr = abi.JSON(strings.NewReader(routerABI))
	})
	return erc20Parsed, routerParsed, parseErr
}

// Plan 是一次意图对应的待发送交易。
type Plan struct {
	Request  web3.TxRequest
	Baseline uint64
	// Method 是被调用的合约方法，部署与原生转账为空。
	Method string
}

// Value 返回交易附带的原生币数量。
func (p Plan) Value() *big.Int {
	if p.Request.Value == nil {
		return new(big.Int)
	}
	return p.Request.Value
}

// Dispatcher 将意图负载翻译为链上交易。
type Dispatcher struct {
	chain web3.Client
}

// NewDispatcher 创建分发器。
func NewDispatcher(chain web3.Client) *Dispatcher {
	return &Dispatcher{chain: chain}
}

// Build 解析负载并生成交易，user 为兑换默认接收方。
func (d *Dispatcher) Build(ctx context.Context, in intent.Intent, user common.Address) (Plan, error) {
	switch in.Type {
	case intent.TypeDeployContract:
		return d.buildDeploy(in)
	case intent.TypeTransfer:
		return d.buildTransfer(ctx, in)
	case intent.TypeCallContract:
		return d.buildCall(in)
	case intent.TypeSwap:
		return d.buildSwap(in, user)
	default:
		return Plan{}, fmt.Errorf("不支持的意图类型 %q", in.Type)
	}
}

func (d *Dispatcher) buildDeploy(in intent.Intent) (Plan, error) {
	p, err := in.Deploy()
	if err != nil {
		return Plan{}, err
	}
	code, err := toBytes(p.Bytecode)
	if err != nil {
		return Plan{}, fmt.Errorf("字节码无效: %w", err)
	}
	if len(code) == 0 {
		return Plan{}, fmt.Errorf("字节码不能为空")
	}
	parsed, err := abi.JSON(strings.NewReader(intent.ABIJSON(p.ABI)))
	if err != nil {
		return Plan{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	if len(p.ConstructorArgs) > 0 || len(parsed.Constructor.Inputs) > 0 {
		packed, err := packArgs(parsed.Constructor.Inputs, p.ConstructorArgs)
		if err != nil {
			return Plan{}, fmt.Errorf("构造函数参数: %w", err)
		}
		code = append(code, packed...)
	}
	return Plan{Request: web3.TxRequest{Data: code}, Baseline: GasDeploy}, nil
}

func (d *Dispatcher) buildTransfer(ctx context.Context, in intent.Intent) (Plan, error) {
	p, err := in.Transfer()
	if err != nil {
		return Plan{}, err
	}
	to := common.HexToAddress(p.To)

	if intent.IsNative(p.Token) {
		value, err := intent.ParseUnits(p.Amount, intent.NativeDecimals)
		if err != nil {
			return Plan{}, fmt.Errorf("转账金额无效: %w", err)
		}
		return Plan{Request: web3.TxRequest{To: &to, Value: value, GasLimit: GasTransfer}, Baseline: GasTransfer}, nil
	}

	if !common.IsHexAddress(p.Token) {
		return Plan{}, fmt.Errorf("代币地址 %q 无效", p.Token)
	}
	token := common.HexToAddress(p.Token)
	decimals := intent.DecimalsOr(p.Decimals, -1)
	if decimals < 0 {
		if decimals, err = d.tokenDecimals(ctx, token); err != nil {
			return Plan{}, err
		}
	}
	amount, err := intent.ParseUnits(p.Amount, decimals)
	if err != nil {
		return Plan{}, fmt.Errorf("转账金额无效: %w", err)
	}
	erc20, _, err := builtinABIs()
	if err != nil {
		return Plan{}, err
	}
	data, err := erc20.Pack("transfer", to, amount)
	if err != nil {
		return Plan{}, fmt.Errorf("编码 transfer 失败: %w", err)
	}
	return Plan{Request: web3.TxRequest{To: &token, Data: data}, Baseline: GasTokenTransfer, Method: "transfer"}, nil
}

// tokenDecimals 读取 ERC-20 的 decimals()，失败时按 18 位处理。
func (d *Dispatcher) tokenDecimals(ctx context.Context, token common.Address) (int, error) {
	erc20, _, err := builtinABIs()
	if err != nil {
		return 0, err
	}
	if d.chain == nil {
		return intent.NativeDecimals, nil
	}
	data, _ := erc20.Pack("decimals")
	out, err := d.chain.Call(ctx, web3.TxRequest{To: &token, Data: data})
	if err != nil || len(out) == 0 {
		return intent.NativeDecimals, nil
	}
	values, err := erc20.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return intent.NativeDecimals, nil
	}
	if v, ok := values[0].(uint8); ok {
		return int(v), nil
	}
	return intent.NativeDecimals, nil
}

func (d *Dispatcher) buildCall(in intent.Intent) (Plan, error) {
	p, err := in.Call()
	if err != nil {
		return Plan{}, err
	}
	parsed, err := abi.JSON(strings.NewReader(intent.ABIJSON(p.ABI)))
	if err != nil {
		return Plan{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	method, ok := parsed.Methods[p.FunctionName]
	if !ok {
		return Plan{}, fmt.Errorf("ABI 中不存在方法 %s", p.FunctionName)
	}
	args, err := packArgs(method.Inputs, p.Args)
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", p.FunctionName, err)
	}
	value := new(big.Int)
	if strings.TrimSpace(p.Value) != "" {
		if value, err = intent.ParseUnits(p.Value, intent.NativeDecimals); err != nil {
			return Plan{}, fmt.Errorf("value 无效: %w", err)
		}
	}
	target := common.HexToAddress(p.ContractAddress)
	data := append(append([]byte{}, method.ID...), args...)
	return Plan{Request: web3.TxRequest{To: &target, Value: value, Data: data}, Baseline: GasCall, Method: p.FunctionName}, nil
}

func (d *Dispatcher) buildSwap(in intent.Intent, user common.Address) (Plan, error) {
	p, err := in.Swap()
	if err != nil {
		return Plan{}, err
	}
	decimals := intent.DecimalsOr(p.Decimals, intent.NativeDecimals)
	amountIn, err := intent.ParseUnits(p.AmountIn, decimals)
	if err != nil {
		return Plan{}, fmt.Errorf("amountIn 无效: %w", err)
	}
	amountOutMin := new(big.Int)
	if strings.TrimSpace(p.AmountOutMin) != "" {
		if amountOutMin, err = intent.ParseUnits(p.AmountOutMin, decimals); err != nil {
			return Plan{}, fmt.Errorf("amountOutMin 无效: %w", err)
		}
	}
	path, err := swapPath(p)
	if err != nil {
		return Plan{}, err
	}
	recipient := user
	if strings.TrimSpace(p.Recipient) != "" {
		if !common.IsHexAddress(p.Recipient) {
			return Plan{}, fmt.Errorf("recipient %q 无效", p.Recipient)
		}
		recipient = common.HexToAddress(p.Recipient)
	}
	deadline := big.NewInt(in.Deadline)

	_, router, err := builtinABIs()
	if err != nil {
		return Plan{}, err
	}
	target := common.HexToAddress(p.Router)
	var (
		method string
		data   []byte
		value  = new(big.Int)
	)
	switch {
	case intent.IsNative(p.TokenIn):
		method = "swapExactETHForTokens"
		data, err = router.Pack(method, amountOutMin, path, recipient, deadline)
		value = amountIn
	case intent.IsNative(p.TokenOut):
		method = "swapExactTokensForETH"
		data, err = router.Pack(method, amountIn, amountOutMin, path, recipient, deadline)
	default:
		method = "swapExactTokensForTokens"
		data, err = router.Pack(method, amountIn, amountOutMin, path, recipient, deadline)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("编码 %s 失败: %w", method, err)
	}
	return Plan{Request: web3.TxRequest{To: &target, Value: value, Data: data}, Baseline: GasSwap, Method: method}, nil
}

// swapPath 优先使用显式路径，否则由两端代币组成，原生币一侧替换为包装代币。
func swapPath(p *intent.SwapPayload) ([]common.Address, error) {
	raw := p.Path
	if len(raw) == 0 {
		raw = []string{p.TokenIn, p.TokenOut}
	}
	path := make([]common.Address, 0, len(raw))
	for _, hop := range raw {
		if intent.IsNative(hop) {
			if !common.IsHexAddress(p.WrappedNative) {
				return nil, fmt.Errorf("原生币兑换需要提供 path 或 wrappedNative")
			}
			hop = p.WrappedNative
		}
		if !common.IsHexAddress(hop) {
			return nil, fmt.Errorf("路径地址 %q 无效", hop)
		}
		path = append(path, common.HexToAddress(hop))
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("兑换路径至少需要两个地址")
	}
	return path, nil
}
