package provider

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"slices"
	"strings"
	"time"

	"chimera/internal/config"
	xerrors "chimera/internal/errors"
	"chimera/internal/web3"
	"chimera/internal/web3/ethereum"
)

// fallbackChain names the client built from web3.rpc_url when no chain file is given.
const fallbackChain = "default"

// Registry holds one signing client per configured chain. Every client signs
// with the facilitator key.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry dials every chain in the chain file, or the single rpc_url when
// the file defines none.
func NewRegistry(ctx context.Context, cfg config.Web3Config, key *ecdsa.PrivateKey) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains[fallbackChain] = web3.ChainDefinition{Type: web3.ChainTypeEVM, RPCURL: cfg.RPCURL, ChainID: cfg.ChainID}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = fallbackChain
		}
	}

	base := ethereum.Config{
		Key:          key,
		PollInterval: time.Duration(cfg.ConfirmationPollMS) * time.Millisecond,
	}
	clients := make(map[string]web3.Client, len(defs.Chains))
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		ccfg := base
		ccfg.Name, ccfg.RPCURL, ccfg.Notes = name, chain.RPCURL, chain.Description
		if chain.ChainID > 0 {
			ccfg.ChainID = big.NewInt(chain.ChainID)
		}
		client, err := ethereum.NewClient(ctx, ccfg)
		if err != nil {
			closeAll(clients)
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链客户端失败",
				xerrors.WithMetadata("chain", name))
		}
		clients[name] = client
	}
	return NewStaticRegistry(cfg.DefaultChain, clients)
}

// NewStaticRegistry wraps clients that were built elsewhere. An empty default
// picks the alphabetically first chain.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	r := &Registry{defaultChain: defaultChain, clients: clients}
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := clients[r.defaultChain]; !ok {
		closeAll(clients)
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "默认链未在配置中找到",
			xerrors.WithMetadata("chain", r.defaultChain))
	}
	return r, nil
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

// DefaultClient returns the client the facilitator relays through.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	return r.clients[r.defaultChain], nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client looks a chain up by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains returns the registered chain names in sorted order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close releases every client.
func (r *Registry) Close() {
	if r != nil {
		closeAll(r.clients)
	}
}
