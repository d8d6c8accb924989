package payment

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chimera/internal/signature"
)

// HeaderPayment 是携带支付凭证的请求头。
const HeaderPayment = "X-PAYMENT"

// Challenge 是 402 响应体，描述解锁端点所需的支付。
type Challenge struct {
	X402Version       int    `json:"x402Version"`
	Error             string `json:"error,omitempty"`
	PaymentID         string `json:"paymentId"`
	Amount            string `json:"amount"`
	Token             string `json:"token"`
	Recipient         string `json:"recipient"`
	Endpoint          string `json:"endpoint"`
	Deadline          int64  `json:"deadline"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// Message 是付款方签名的支付内容，金额为最小单位的十进制字符串。
type Message struct {
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Endpoint  string `json:"endpoint"`
	Deadline  int64  `json:"deadline"`
}

// Proof 是 X-PAYMENT 头中 base64 编码的 JSON。
type Proof struct {
	Payment   Message `json:"payment"`
	Signature string  `json:"signature"`
}

// Message 返回挑战对应的待签名支付内容。
func (c Challenge) Message() Message {
	return Message{
		PaymentID: c.PaymentID,
		Amount:    c.Amount,
		Token:     c.Token,
		Recipient: c.Recipient,
		Endpoint:  c.Endpoint,
		Deadline:  c.Deadline,
	}
}

// Typed 将支付内容转换为签名结构。
func (m Message) Typed() (signature.Payment, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(m.Amount), 10)
	if !ok || amount.Sign() < 0 {
		return signature.Payment{}, fmt.Errorf("amount %q is not a non-negative integer", m.Amount)
	}
	if !common.IsHexAddress(m.Token) {
		return signature.Payment{}, fmt.Errorf("token %q is not an address", m.Token)
	}
	if !common.IsHexAddress(m.Recipient) {
		return signature.Payment{}, fmt.Errorf("recipient %q is not an address", m.Recipient)
	}
	return signature.Payment{
		PaymentID: m.PaymentID,
		Amount:    amount,
		Token:     common.HexToAddress(m.Token),
		Recipient: common.HexToAddress(m.Recipient),
		Endpoint:  m.Endpoint,
		Deadline:  m.Deadline,
	}, nil
}

// Domain 返回挑战声明的签名域。
func (c Challenge) Domain() (signature.Domain, error) {
	chainID, ok := new(big.Int).SetString(c.ChainID, 10)
	if !ok {
		return signature.Domain{}, fmt.Errorf("chainId %q is not an integer", c.ChainID)
	}
	if !common.IsHexAddress(c.VerifyingContract) {
		return signature.Domain{}, fmt.Errorf("verifyingContract %q is not an address", c.VerifyingContract)
	}
	return signature.NewDomain(chainID, common.HexToAddress(c.VerifyingContract)), nil
}

// Pay 按挑战内容签名并返回 X-PAYMENT 头的值。
func Pay(c Challenge, key *ecdsa.PrivateKey) (string, error) {
	domain, err := c.Domain()
	if err != nil {
		return "", err
	}
	msg := c.Message()
	typed, err := msg.Typed()
	if err != nil {
		return "", err
	}
	sig, err := signature.SignPayment(typed, domain, key)
	if err != nil {
		return "", err
	}
	return EncodeProof(Proof{Payment: msg, Signature: hexutil.Encode(sig)})
}
