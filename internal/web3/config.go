package web3

import (
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "chimera/internal/errors"
)

// ChainTypeEVM is the only chain family the facilitator can relay to.
const ChainTypeEVM = "evm"

// ChainDefinitions is the decoded form of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one RPC endpoint the facilitator may submit to.
// ChainID is optional; when set it must match what the node reports.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions reads and validates a chain file. An empty path yields
// no chains so the single rpc_url fallback can take over.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败",
			xerrors.WithMetadata("path", path))
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes YAML, fills defaults and rejects definitions
// that could not be dialled or that reuse a chain id.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	owners := make(map[int64]string, len(defs.Chains))
	for _, name := range defs.Names() {
		chain := defs.Chains[name].normalized()
		if err := chain.validate(name); err != nil {
			return ChainDefinitions{}, err
		}
		if chain.ChainID > 0 {
			if other, dup := owners[chain.ChainID]; dup {
				return ChainDefinitions{}, xerrors.New(xerrors.CodeInitializationFailure, "链 ID 重复",
					xerrors.WithMetadata("chain", name), xerrors.WithMetadata("conflicts_with", other))
			}
			owners[chain.ChainID] = name
		}
		defs.Chains[name] = chain
	}
	return defs, nil
}

// Names returns the chain names in a stable order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c ChainDefinition) normalized() ChainDefinition {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = ChainTypeEVM
	}
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	return c
}

func (c ChainDefinition) validate(name string) error {
	meta := xerrors.WithMetadata("chain", name)
	if c.Type != ChainTypeEVM {
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的链类型 "+c.Type, meta)
	}
	if c.RPCURL == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "链缺少 rpc_url", meta)
	}
	u, err := url.Parse(c.RPCURL)
	if err != nil || u.Host == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "rpc_url 不合法", meta)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "rpc_url 协议不受支持", meta)
	}
	if c.ChainID < 0 {
		return xerrors.New(xerrors.CodeInitializationFailure, "chain_id 不能为负数", meta)
	}
	return nil
}
