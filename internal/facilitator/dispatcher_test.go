package facilitator

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/intent"
)

const storeABI = `[
{"type":"constructor","inputs":[{"name":"owner","type":"address"},{"name":"cap","type":"uint256"}]},
{"type":"function","name":"store","stateMutability":"payable","inputs":[{"name":"key","type":"bytes32"},{"name":"values","type":"uint64[]"},{"name":"delta","type":"int8"},{"name":"note","type":"string"}],"outputs":[]},
{"type":"function","name":"configure","stateMutability":"nonpayable","inputs":[{"name":"cfg","type":"tuple","components":[{"name":"enabled","type":"bool"},{"name":"limit","type":"uint256"}]}],"outputs":[]}
]`

var (
	routerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenA     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	tokenB     = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	owner      = common.HexToAddress("0x00000000000000000000000000000000000000a5")
)

func payloadIntent(t *testing.T, typ intent.Type, payload any) intent.Intent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return intent.Intent{Type: typ, Nonce: 1, Deadline: time.Now().Add(time.Hour).Unix(), Data: data}
}

func parsedStoreABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(storeABI))
	require.NoError(t, err)
	return parsed
}

func TestBuildCallPacksArguments(t *testing.T) {
	d := NewDispatcher(newFakeChain())
	in := payloadIntent(t, intent.TypeCallContract, map[string]any{
		"contractAddress": tokenA.Hex(),
		"abi":             storeABI,
		"functionName":    "store",
		"args":            []any{"0x01", []any{1, "2", "0x03"}, -5, "hello"},
		"value":           "0.5",
	})
	plan, err := d.Build(context.Background(), in, owner)
	require.NoError(t, err)
	assert.Equal(t, GasCall, plan.Baseline)
	assert.Equal(t, "store", plan.Method)
	assert.Equal(t, tokenA, *plan.Request.To)
	assert.Equal(t, "500000000000000000", plan.Value().String())

	method := parsedStoreABI(t).Methods["store"]
	assert.Equal(t, method.ID, plan.Request.Data[:4])
	values, err := method.Inputs.Unpack(plan.Request.Data[4:])
	require.NoError(t, err)
	require.Len(t, values, 4)
	assert.Equal(t, []uint64{1, 2, 3}, values[1])
	assert.Equal(t, int8(-5), values[2])
	assert.Equal(t, "hello", values[3])
	key := values[0].([32]byte)
	assert.Equal(t, byte(0x01), key[0])
}

func TestBuildCallTupleArgument(t *testing.T) {
	d := NewDispatcher(newFakeChain())
	in := payloadIntent(t, intent.TypeCallContract, map[string]any{
		"contractAddress": tokenA.Hex(),
		"abi":             json.RawMessage(storeABI),
		"functionName":    "configure",
		"args":            []any{map[string]any{"enabled": true, "limit": "1000000000000000000000"}},
	})
	plan, err := d.Build(context.Background(), in, owner)
	require.NoError(t, err)
	assert.Zero(t, plan.Value().Sign())
	assert.Len(t, plan.Request.Data, 4+64)
}

func TestBuildCallRejectsBadArguments(t *testing.T) {
	d := NewDispatcher(newFakeChain())
	cases := map[string][]any{
		"arity":    {"0x01"},
		"overflow": {"0x01", []any{1}, 200, "x"},
		"negative": {"0x01", []any{-1}, 1, "x"},
		"bytes":    {"0x" + strings.Repeat("ff", 33), []any{}, 1, "x"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			in := payloadIntent(t, intent.TypeCallContract, map[string]any{
				"contractAddress": tokenA.Hex(),
				"abi":             storeABI,
				"functionName":    "store",
				"args":            args,
			})
			_, err := d.Build(context.Background(), in, owner)
			assert.Error(t, err)
		})
	}

	in := payloadIntent(t, intent.TypeCallContract, map[string]any{
		"contractAddress": tokenA.Hex(),
		"abi":             storeABI,
		"functionName":    "missing",
	})
	_, err := d.Build(context.Background(), in, owner)
	assert.Error(t, err)
}

func TestBuildDeployAppendsConstructorArgs(t *testing.T) {
	d := NewDispatcher(newFakeChain())
	in := payloadIntent(t, intent.TypeDeployContract, map[string]any{
		"bytecode":        "0x6001",
		"abi":             storeABI,
		"constructorArgs": []any{owner.Hex(), 42},
	})
	plan, err := d.Build(context.Background(), in, owner)
	require.NoError(t, err)
	assert.Nil(t, plan.Request.To)
	assert.Equal(t, GasDeploy, plan.Baseline)
	require.Len(t, plan.Request.Data, 2+64)
	assert.Equal(t, []byte{0x60, 0x01}, plan.Request.Data[:2])
	assert.Equal(t, owner, common.BytesToAddress(plan.Request.Data[2:34]))
	assert.EqualValues(t, 42, new(big.Int).SetBytes(plan.Request.Data[34:]).Int64())

	_, err = d.Build(context.Background(), payloadIntent(t, intent.TypeDeployContract, map[string]any{"bytecode": "0xzz"}), owner)
	assert.Error(t, err)
}

func TestBuildTransfers(t *testing.T) {
	d := NewDispatcher(newFakeChain())

	native, err := d.Build(context.Background(), payloadIntent(t, intent.TypeTransfer, intent.TransferPayload{To: owner.Hex(), Amount: "1.5"}), owner)
	require.NoError(t, err)
	assert.Equal(t, GasTransfer, native.Request.GasLimit)
	assert.Equal(t, "1500000000000000000", native.Value().String())
	assert.Empty(t, native.Request.Data)

	six := 6
	token, err := d.Build(context.Background(), payloadIntent(t, intent.TypeTransfer, intent.TransferPayload{
		To: owner.Hex(), Amount: "2.5", Token: tokenA.Hex(), Decimals: &six,
	}), owner)
	require.NoError(t, err)
	assert.Equal(t, GasTokenTransfer, token.Baseline)
	assert.Equal(t, tokenA, *token.Request.To)
	assert.Zero(t, token.Value().Sign())
	erc20, _, err := builtinABIs()
	require.NoError(t, err)
	values, err := erc20.Methods["transfer"].Inputs.Unpack(token.Request.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, owner, values[0])
	assert.Equal(t, "2500000", values[1].(*big.Int).String())

	// 节点无法返回 decimals 时按 18 位处理。
	fallback, err := d.Build(context.Background(), payloadIntent(t, intent.TypeTransfer, intent.TransferPayload{
		To: owner.Hex(), Amount: "1", Token: tokenA.Hex(),
	}), owner)
	require.NoError(t, err)
	values, err = erc20.Methods["transfer"].Inputs.Unpack(fallback.Request.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", values[1].(*big.Int).String())
}

func TestBuildSwapSelectsRouterMethod(t *testing.T) {
	d := NewDispatcher(newFakeChain())
	_, router, err := builtinABIs()
	require.NoError(t, err)

	cases := []struct {
		name     string
		payload  intent.SwapPayload
		method   string
		value    string
		pathHead common.Address
	}{
		{
			name:     "native in",
			payload:  intent.SwapPayload{Router: routerAddr.Hex(), TokenIn: "ETH", TokenOut: tokenA.Hex(), AmountIn: "1", WrappedNative: weth.Hex()},
			method:   "swapExactETHForTokens",
			value:    "1000000000000000000",
			pathHead: weth,
		},
		{
			name:     "native out",
			payload:  intent.SwapPayload{Router: routerAddr.Hex(), TokenIn: tokenA.Hex(), TokenOut: "native", AmountIn: "1", WrappedNative: weth.Hex()},
			method:   "swapExactTokensForETH",
			value:    "0",
			pathHead: tokenA,
		},
		{
			name:     "token to token",
			payload:  intent.SwapPayload{Router: routerAddr.Hex(), TokenIn: tokenA.Hex(), TokenOut: tokenB.Hex(), AmountIn: "1"},
			method:   "swapExactTokensForTokens",
			value:    "0",
			pathHead: tokenA,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := payloadIntent(t, intent.TypeSwap, tc.payload)
			plan, err := d.Build(context.Background(), in, owner)
			require.NoError(t, err)
			assert.Equal(t, tc.method, plan.Method)
			assert.Equal(t, GasSwap, plan.Baseline)
			assert.Equal(t, tc.value, plan.Value().String())
			assert.Equal(t, routerAddr, *plan.Request.To)

			method := router.Methods[tc.method]
			values, err := method.Inputs.Unpack(plan.Request.Data[4:])
			require.NoError(t, err)
			args := map[string]any{}
			require.NoError(t, method.Inputs.UnpackIntoMap(args, plan.Request.Data[4:]))
			assert.Len(t, values, len(method.Inputs))
			path := args["path"].([]common.Address)
			assert.Equal(t, tc.pathHead, path[0])
			assert.Equal(t, owner, args["to"])
			assert.Equal(t, in.Deadline, args["deadline"].(*big.Int).Int64())
		})
	}

	_, err = d.Build(context.Background(), payloadIntent(t, intent.TypeSwap, intent.SwapPayload{
		Router: routerAddr.Hex(), TokenIn: "ETH", TokenOut: tokenA.Hex(), AmountIn: "1",
	}), owner)
	assert.Error(t, err, "native side without wrappedNative or path")
}
