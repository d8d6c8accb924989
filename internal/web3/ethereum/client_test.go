package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/web3"
)

// simpleContractBin emits a single log when called and has no ABI surface.
const simpleContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

func newSimulated(t *testing.T) (*Client, *simulated.Backend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	oneEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	alloc := coretypes.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: new(big.Int).Mul(oneEther, big.NewInt(100))},
	}
	backend := simulated.NewBackend(alloc)
	t.Cleanup(func() { backend.Close() })

	client := NewSimulatedClient("simulated", backend, key)
	t.Cleanup(client.Close)
	return client, backend
}

func TestClientTransferAndReceipt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, _ := newSimulated(t)

	id, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1337, id.Int64())

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	value := big.NewInt(1_000_000_000)
	hash, err := client.Send(ctx, web3.TxRequest{To: &to, Value: value, GasLimit: 21_000})
	require.NoError(t, err)

	receipt, err := client.WaitReceipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.EqualValues(t, 21_000, receipt.GasUsed)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Positive(t, receipt.EffectiveGasPrice.Sign())

	balance, err := client.Balance(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, value.String(), balance.String())

	snapshot, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x539", snapshot.ChainID)
	assert.NotEqual(t, "0x0", snapshot.BlockNumber)
}

func TestClientDeployWithEstimatedGas(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, _ := newSimulated(t)

	req := web3.TxRequest{Data: common.FromHex(simpleContractBin)}
	gas, err := client.EstimateGas(ctx, req)
	require.NoError(t, err)
	assert.Greater(t, gas, uint64(21_000))

	hash, err := client.Send(ctx, req)
	require.NoError(t, err)
	receipt, err := client.WaitReceipt(ctx, hash)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded())
	assert.NotEqual(t, common.Address{}, receipt.ContractAddress)

	// 连续发送时 nonce 不应冲突。
	to := receipt.ContractAddress
	for i := 0; i < 3; i++ {
		hash, err := client.Send(ctx, web3.TxRequest{To: &to, GasLimit: 100_000})
		require.NoError(t, err)
		r, err := client.WaitReceipt(ctx, hash)
		require.NoError(t, err)
		assert.True(t, r.Succeeded())
	}
}

func TestClientGasPriceAndCall(t *testing.T) {
	ctx := context.Background()
	client, _ := newSimulated(t)

	price, err := client.GasPrice(ctx)
	require.NoError(t, err)
	assert.Positive(t, price.Sign())

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	out, err := client.Call(ctx, web3.TxRequest{To: &to})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWaitReceiptHonoursContext(t *testing.T) {
	client, _ := newSimulated(t)
	client.miner = nil
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WaitReceipt(ctx, common.HexToHash("0x1234"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

var _ web3.Client = (*Client)(nil)
