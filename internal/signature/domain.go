// Package signature implements EIP-712 typed-data hashing, signing and
// signer recovery for intents and x402 payments.
package signature

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainName    = "Chimera"
	DomainVersion = "1"
)

// Domain is the EIP-712 separator shared by intents and payments.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// NewDomain returns the fixed Chimera domain for a chain and contract.
func NewDomain(chainID *big.Int, verifyingContract common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: verifyingContract,
	}
}

func (d Domain) typed() apitypes.TypedDataDomain {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() (common.Hash, error) {
	td := apitypes.TypedData{Types: apitypes.Types{"EIP712Domain": domainType}, Domain: d.typed()}
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

// hashTypedData computes keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(message)).
func hashTypedData(domain Domain, primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain:      domain.typed(),
		Message:     message,
	}
	structHash, err := td.HashStruct(primaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", primaryType, err)
	}
	separator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	raw := make([]byte, 0, 2+len(separator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, separator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}
