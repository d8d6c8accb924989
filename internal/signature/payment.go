package signature

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "chimera/internal/errors"
)

var paymentFields = []apitypes.Type{
	{Name: "paymentId", Type: "string"},
	{Name: "amount", Type: "uint256"},
	{Name: "token", Type: "address"},
	{Name: "recipient", Type: "address"},
	{Name: "endpoint", Type: "string"},
	{Name: "deadline", Type: "uint256"},
}

// Payment is the message a payer signs to unlock a priced endpoint.
type Payment struct {
	PaymentID string         `json:"paymentId"`
	Amount    *big.Int       `json:"amount"`
	Token     common.Address `json:"token"`
	Recipient common.Address `json:"recipient"`
	Endpoint  string         `json:"endpoint"`
	Deadline  int64          `json:"deadline"`
}

// PaymentDigest returns the EIP-712 digest of a payment.
func PaymentDigest(domain Domain, p Payment) (common.Hash, error) {
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("payment amount must be non-negative")
	}
	message := apitypes.TypedDataMessage{
		"paymentId": p.PaymentID,
		"amount":    new(big.Int).Set(p.Amount),
		"token":     p.Token.Hex(),
		"recipient": p.Recipient.Hex(),
		"endpoint":  p.Endpoint,
		"deadline":  big.NewInt(p.Deadline),
	}
	return hashTypedData(domain, "Payment", paymentFields, message)
}

// VerifyPayment recovers the payer of a signed payment.
func VerifyPayment(p Payment, sig []byte, domain Domain) (common.Address, error) {
	digest, err := PaymentDigest(domain, p)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidSignature, err, "cannot rebuild signed payment")
	}
	return recoverSigner(digest, sig)
}

// SignPayment signs a payment with key.
func SignPayment(p Payment, domain Domain, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := PaymentDigest(domain, p)
	if err != nil {
		return nil, err
	}
	return signDigest(digest, key)
}
