package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"chimera/internal/web3"
)

// Backend is the subset of the go-ethereum client API the facilitator needs.
// Both *ethclient.Client and simulated.Client satisfy it.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.GasPricer
	gethcore.GasPricer1559
	gethcore.GasEstimator
	gethcore.ContractCaller
	gethcore.TransactionSender
	gethcore.TransactionReader
	gethcore.PendingStateReader
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// committer is implemented by the simulated backend, which only mines on demand.
type committer interface {
	Commit() common.Hash
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	Notes        string
	ChainID      *big.Int
	Key          *ecdsa.PrivateKey
	PollInterval time.Duration
}

// Client implements web3.Client for EVM compatible chains. Sends are
// serialized so account nonces are assigned without gaps.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	miner     committer
	key       *ecdsa.PrivateKey
	from      common.Address
	poll      time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.Key == nil {
		return nil, errors.New("未配置代付账户私钥")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	c := newClient(cfg, ethclient.NewClient(rpcClient), nil)
	c.rpcClient = rpcClient
	if c.chainID == nil {
		id, err := c.backend.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		c.chainID = id
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for tests and
// local development. Every send is mined immediately.
func NewSimulatedClient(name string, backend *simulated.Backend, key *ecdsa.PrivateKey) *Client {
	return newClient(Config{Name: name, Key: key, Notes: "simulated backend", PollInterval: 10 * time.Millisecond}, backend.Client(), backend)
}

func newClient(cfg Config, backend Backend, miner committer) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	c := &Client{
		name:    cfg.Name,
		notes:   cfg.Notes,
		backend: backend,
		miner:   miner,
		key:     cfg.Key,
		from:    crypto.PubkeyToAddress(cfg.Key.PublicKey),
		poll:    poll,
	}
	if cfg.ChainID != nil {
		c.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain identifier, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

// Address returns the facilitator account.
func (c *Client) Address() common.Address {
	return c.from
}

// Balance returns the latest balance of account in wei.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// GasPrice returns the node's suggested legacy gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

func (c *Client) callMsg(req web3.TxRequest) gethcore.CallMsg {
	return gethcore.CallMsg{
		From:  c.from,
		To:    req.To,
		Gas:   req.GasLimit,
		Value: req.Value,
		Data:  req.Data,
	}
}

// EstimateGas asks the node how much gas req would consume.
func (c *Client) EstimateGas(ctx context.Context, req web3.TxRequest) (uint64, error) {
	msg := c.callMsg(req)
	msg.Gas = 0
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// Call executes req as a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, req web3.TxRequest) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, c.callMsg(req), nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约失败: %w", err)
	}
	return out, nil
}

// Send signs req with the facilitator key and broadcasts it.
func (c *Client) Send(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		msg := c.callMsg(req)
		if gasLimit, err = c.backend.EstimateGas(ctx, msg); err != nil {
			return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
		}
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询小费失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        req.To,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	if c.miner != nil {
		c.miner.Commit()
	}
	return signed.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or ctx is done.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return toReceipt(receipt), nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return web3.Receipt{}, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return web3.Receipt{}, ctx.Err()
		case <-ticker.C:
			if c.miner != nil {
				c.miner.Commit()
			}
		}
	}
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(id),
		BlockNumber: toHexBig(head.Number),
		Notes:       c.notes,
	}, nil
}

func toReceipt(r *coretypes.Receipt) web3.Receipt {
	out := web3.Receipt{
		TxHash:            r.TxHash,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		Status:            r.Status,
		ContractAddress:   r.ContractAddress,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if out.EffectiveGasPrice == nil {
		out.EffectiveGasPrice = new(big.Int)
	}
	return out
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
