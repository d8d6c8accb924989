package signature

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "chimera/internal/errors"
	"chimera/internal/intent"
)

func testDomain() Domain {
	return NewDomain(big.NewInt(84532), common.HexToAddress("0x00000000000000000000000000000000000c4a11"))
}

func transferIntent(nonce uint64) intent.Intent {
	return intent.Intent{
		Type:     intent.TypeTransfer,
		Nonce:    nonce,
		Deadline: time.Now().Add(time.Hour).Unix(),
		Data:     json.RawMessage(`{"to":"0x0000000000000000000000000000000000000abc","amount":"0.01"}`),
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := testDomain()
	in := transferIntent(1)

	sig, err := Sign(in, domain, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	signer, err := Verify(in, sig, domain)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)

	// v 为 0/1 的签名同样可以恢复。
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	signer, err = Verify(in, raw, domain)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestAlteredFieldsChangeSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := testDomain()
	in := transferIntent(7)
	sig, err := Sign(in, domain, key)
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	otherNonce := in
	otherNonce.Nonce = 8
	signer, err := Verify(otherNonce, sig, domain)
	if err == nil {
		assert.NotEqual(t, owner, signer)
	}

	otherDeadline := in
	otherDeadline.Deadline++
	signer, err = Verify(otherDeadline, sig, domain)
	if err == nil {
		assert.NotEqual(t, owner, signer)
	}

	otherChain := NewDomain(big.NewInt(1), domain.VerifyingContract)
	signer, err = Verify(in, sig, otherChain)
	if err == nil {
		assert.NotEqual(t, owner, signer)
	}
}

func TestDeclaredDataHashIsEquivalent(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := testDomain()
	in := transferIntent(3)
	sig, err := Sign(in, domain, key)
	require.NoError(t, err)

	hashed, err := in.WithDataHash()
	require.NoError(t, err)
	signer, err := Verify(hashed, sig, domain)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestMalformedSignatures(t *testing.T) {
	domain := testDomain()
	in := transferIntent(1)

	cases := map[string][]byte{
		"empty":        nil,
		"short":        make([]byte, 64),
		"bad v":        append(make([]byte, 64), 5),
		"zero r and s": append(make([]byte, 64), 27),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(in, sig, domain)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInvalidSignature, xerrors.CodeOf(err))
		})
	}

	_, err := Decode("not-hex")
	assert.Equal(t, xerrors.CodeInvalidSignature, xerrors.CodeOf(err))
}

func TestMismatchedDataHashIsInvalid(t *testing.T) {
	in := transferIntent(1)
	in.DataHash = common.Hash{1}.Hex()
	_, err := Verify(in, make([]byte, 65), testDomain())
	assert.Equal(t, xerrors.CodeInvalidSignature, xerrors.CodeOf(err))
}

func TestPaymentRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := testDomain()
	p := Payment{
		PaymentID: "pay-1",
		Amount:    big.NewInt(10_000),
		Token:     common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		Recipient: common.HexToAddress("0x0000000000000000000000000000000000000bee"),
		Endpoint:  "POST /api/v1/generate",
		Deadline:  time.Now().Add(time.Minute).Unix(),
	}
	sig, err := SignPayment(p, domain, key)
	require.NoError(t, err)

	payer, err := VerifyPayment(p, sig, domain)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), payer)

	p.Amount = big.NewInt(9_999)
	payer, err = VerifyPayment(p, sig, domain)
	if err == nil {
		assert.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), payer)
	}
}

func TestSeparatorDependsOnChain(t *testing.T) {
	a, err := testDomain().Separator()
	require.NoError(t, err)
	b, err := NewDomain(big.NewInt(1), testDomain().VerifyingContract).Separator()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
