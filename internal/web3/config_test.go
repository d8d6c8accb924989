package web3

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "chimera/internal/errors"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    chain_id: 11155111
    description: testnet
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
`), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs.Chains, 2)
	assert.EqualValues(t, 11155111, defs.Chains["sepolia"].ChainID)
	assert.Equal(t, ChainTypeEVM, defs.Chains["local"].Type)
	assert.Equal(t, ChainTypeEVM, defs.Chains["sepolia"].Type, "type defaults to evm")
	assert.Equal(t, []string{"local", "sepolia"}, defs.Names())

	empty, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, empty.Chains)
}

func TestParseChainDefinitionsRejectsBadChains(t *testing.T) {
	cases := map[string]string{
		"missing rpc":    "chains:\n  broken:\n    description: no endpoint\n",
		"bad scheme":     "chains:\n  broken:\n    rpc_url: ftp://node.example\n",
		"relative url":   "chains:\n  broken:\n    rpc_url: node.example\n",
		"solana":         "chains:\n  sol:\n    type: solana\n    rpc_url: https://api.devnet.solana.com\n",
		"negative id":    "chains:\n  neg:\n    rpc_url: http://127.0.0.1:8545\n    chain_id: -1\n",
		"duplicate id":   "chains:\n  a:\n    rpc_url: http://127.0.0.1:8545\n    chain_id: 1\n  b:\n    rpc_url: http://127.0.0.1:8546\n    chain_id: 1\n",
		"invalid syntax": "chains: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChainDefinitions([]byte(doc))
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
		})
	}
}

func TestReceiptCost(t *testing.T) {
	r := Receipt{GasUsed: 21000, EffectiveGasPrice: big.NewInt(2_000_000_000), Status: 1}
	assert.True(t, r.Succeeded())
	assert.Equal(t, "42000000000000", r.Cost().String())
	assert.Equal(t, 0, Receipt{GasUsed: 5}.Cost().Sign())
}
