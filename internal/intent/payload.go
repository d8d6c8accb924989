package intent

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DeployPayload creates a contract.
type DeployPayload struct {
	Bytecode        string          `json:"bytecode"`
	ABI             json.RawMessage `json:"abi,omitempty"`
	ConstructorArgs []any           `json:"constructorArgs,omitempty"`
	AuditScore      *float64        `json:"auditScore,omitempty"`
}

// TransferPayload moves native value or an ERC-20 balance.
type TransferPayload struct {
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Token    string `json:"token,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`
}

// CallPayload invokes a function on an existing contract.
type CallPayload struct {
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	FunctionName    string          `json:"functionName"`
	Args            []any           `json:"args,omitempty"`
	Value           string          `json:"value,omitempty"`
}

// SwapPayload trades through a Uniswap V2 style router.
type SwapPayload struct {
	Router        string   `json:"router"`
	TokenIn       string   `json:"tokenIn"`
	TokenOut      string   `json:"tokenOut"`
	AmountIn      string   `json:"amountIn"`
	AmountOutMin  string   `json:"amountOutMin,omitempty"`
	Path          []string `json:"path,omitempty"`
	Recipient     string   `json:"recipient,omitempty"`
	WrappedNative string   `json:"wrappedNative,omitempty"`
	Decimals      *int     `json:"decimals,omitempty"`
}

// ABIJSON returns the ABI as a JSON string. Clients send it either as an
// array or as a string holding the array.
func ABIJSON(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "[]"
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}

// IsNative reports whether token denotes the chain's native asset.
func IsNative(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" || strings.EqualFold(token, "ETH") || strings.EqualFold(token, "native") {
		return true
	}
	return common.IsHexAddress(token) && common.HexToAddress(token) == (common.Address{})
}

// DecimalsOr returns *d or fallback when unset.
func DecimalsOr(d *int, fallback int) int {
	if d == nil || *d < 0 {
		return fallback
	}
	return *d
}
