// Package intent defines the user-signed action descriptions executed by the
// facilitator and the typed payload carried by each intent kind.
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Type enumerates the supported intent kinds.
type Type string

const (
	TypeDeployContract Type = "deploy_contract"
	TypeTransfer       Type = "transfer"
	TypeCallContract   Type = "call_contract"
	TypeSwap           Type = "swap"
)

// Types lists every known intent type in a stable order.
var Types = []Type{TypeDeployContract, TypeTransfer, TypeCallContract, TypeSwap}

// Valid reports whether t is a known intent type.
func (t Type) Valid() bool {
	switch t {
	case TypeDeployContract, TypeTransfer, TypeCallContract, TypeSwap:
		return true
	}
	return false
}

// Intent is a structured action a user authorizes by signature.
type Intent struct {
	Type     Type            `json:"type"`
	Nonce    uint64          `json:"nonce"`
	Deadline int64           `json:"deadline"`
	DataHash string          `json:"dataHash,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Digest returns keccak256 over the canonical JSON encoding of data. Object
// keys are sorted and insignificant whitespace is dropped, so any client
// that re-encodes the same value produces the same digest.
func Digest(data json.RawMessage) (common.Hash, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(canonical), nil
}

// Canonicalize re-encodes a JSON document with sorted keys.
func Canonicalize(data json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode intent data: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("encode intent data: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ResolveDataHash returns the declared dataHash, or the digest of Data when
// none was declared. A declared hash that disagrees with Data is an error.
func (i Intent) ResolveDataHash() (common.Hash, error) {
	computed, err := Digest(i.Data)
	if err != nil {
		return common.Hash{}, err
	}
	declared := strings.TrimSpace(i.DataHash)
	if declared == "" {
		return computed, nil
	}
	raw := common.FromHex(declared)
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("dataHash must be 32 bytes, got %d", len(raw))
	}
	hash := common.BytesToHash(raw)
	if hash != computed {
		return common.Hash{}, fmt.Errorf("dataHash %s does not match data digest %s", hash.Hex(), computed.Hex())
	}
	return hash, nil
}

// WithDataHash returns a copy of i whose DataHash is filled from Data.
func (i Intent) WithDataHash() (Intent, error) {
	hash, err := Digest(i.Data)
	if err != nil {
		return i, err
	}
	i.DataHash = hash.Hex()
	return i, nil
}

// AuditScore returns the score attached to a deploy payload. Missing or
// unreadable scores count as zero.
func (i Intent) AuditScore() float64 {
	if i.Type != TypeDeployContract {
		return 0
	}
	payload, err := i.Deploy()
	if err != nil || payload.AuditScore == nil {
		return 0
	}
	return *payload.AuditScore
}

// TargetContract returns the contract a call_contract intent invokes.
func (i Intent) TargetContract() (common.Address, bool) {
	if i.Type != TypeCallContract {
		return common.Address{}, false
	}
	payload, err := i.Call()
	if err != nil || !common.IsHexAddress(payload.ContractAddress) {
		return common.Address{}, false
	}
	return common.HexToAddress(payload.ContractAddress), true
}

// Deploy decodes the deploy_contract payload.
func (i Intent) Deploy() (*DeployPayload, error) {
	var p DeployPayload
	if err := decodePayload(i, TypeDeployContract, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Bytecode) == "" {
		return nil, fmt.Errorf("deploy_contract requires bytecode")
	}
	return &p, nil
}

// Transfer decodes the transfer payload.
func (i Intent) Transfer() (*TransferPayload, error) {
	var p TransferPayload
	if err := decodePayload(i, TypeTransfer, &p); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.To) {
		return nil, fmt.Errorf("transfer recipient %q is not an address", p.To)
	}
	if strings.TrimSpace(p.Amount) == "" {
		return nil, fmt.Errorf("transfer requires amount")
	}
	return &p, nil
}

// Call decodes the call_contract payload.
func (i Intent) Call() (*CallPayload, error) {
	var p CallPayload
	if err := decodePayload(i, TypeCallContract, &p); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.ContractAddress) {
		return nil, fmt.Errorf("call_contract target %q is not an address", p.ContractAddress)
	}
	if strings.TrimSpace(p.FunctionName) == "" {
		return nil, fmt.Errorf("call_contract requires functionName")
	}
	return &p, nil
}

// Swap decodes the swap payload.
func (i Intent) Swap() (*SwapPayload, error) {
	var p SwapPayload
	if err := decodePayload(i, TypeSwap, &p); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.Router) {
		return nil, fmt.Errorf("swap router %q is not an address", p.Router)
	}
	if IsNative(p.TokenIn) && IsNative(p.TokenOut) {
		return nil, fmt.Errorf("swap needs at least one token side")
	}
	return &p, nil
}

func decodePayload(i Intent, want Type, dst any) error {
	if i.Type != want {
		return fmt.Errorf("intent type %s has no %s payload", i.Type, want)
	}
	if len(bytes.TrimSpace(i.Data)) == 0 {
		return fmt.Errorf("%s intent has no data", want)
	}
	// Numbers stay json.Number so uint256 arguments survive decoding.
	dec := json.NewDecoder(bytes.NewReader(i.Data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", want, err)
	}
	return nil
}
