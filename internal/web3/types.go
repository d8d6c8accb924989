package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// TxRequest describes a transaction the facilitator should sign and send.
// A nil To creates a contract. A zero GasLimit asks the client to estimate.
type TxRequest struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Receipt is the chain-independent view of a mined transaction.
type Receipt struct {
	TxHash            common.Hash
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Status            uint64
	ContractAddress   common.Address
}

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// Cost returns gasUsed * effectiveGasPrice in wei.
func (r Receipt) Cost() *big.Int {
	price := r.EffectiveGasPrice
	if price == nil {
		price = new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), price)
}

// Client defines the operations the facilitator needs from a chain so higher
// layers can be exercised against real nodes and simulated backends alike.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// Address is the account that signs and pays for every transaction.
	Address() common.Address
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, req TxRequest) (uint64, error)
	Call(ctx context.Context, req TxRequest) ([]byte, error)
	Send(ctx context.Context, req TxRequest) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
