package signature

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "chimera/internal/errors"
	"chimera/internal/intent"
)

var intentFields = []apitypes.Type{
	{Name: "type", Type: "string"},
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "dataHash", Type: "bytes32"},
}

// IntentDigest returns the EIP-712 digest a user signs for an intent.
func IntentDigest(domain Domain, in intent.Intent) (common.Hash, error) {
	dataHash, err := in.ResolveDataHash()
	if err != nil {
		return common.Hash{}, err
	}
	message := apitypes.TypedDataMessage{
		"type":     string(in.Type),
		"nonce":    new(big.Int).SetUint64(in.Nonce),
		"deadline": big.NewInt(in.Deadline),
		"dataHash": dataHash.Hex(),
	}
	return hashTypedData(domain, "Intent", intentFields, message)
}

// Verify recovers the address that signed the intent. Every failure, including
// malformed signature bytes, is reported as INVALID_SIGNATURE.
func Verify(in intent.Intent, sig []byte, domain Domain) (common.Address, error) {
	digest, err := IntentDigest(domain, in)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidSignature, err, "cannot rebuild signed intent")
	}
	return recoverSigner(digest, sig)
}

// Sign produces a 65 byte r‖s‖v signature with v in {27, 28}.
func Sign(in intent.Intent, domain Domain, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := IntentDigest(domain, in)
	if err != nil {
		return nil, err
	}
	return signDigest(digest, key)
}

// Decode parses a 0x-prefixed hex signature.
func Decode(sig string) ([]byte, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(sig))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidSignature, err, "signature is not hex")
	}
	return raw, nil
}

func signDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidSignature, fmt.Sprintf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig)))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if v := normalized[crypto.RecoveryIDOffset]; v >= 27 {
		normalized[crypto.RecoveryIDOffset] = v - 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidSignature, "signature recovery id out of range")
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidSignature, err, "cannot recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
