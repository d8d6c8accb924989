package payment

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/config"
	xerrors "chimera/internal/errors"
	"chimera/internal/signature"
)

var (
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testToken     = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	generatePrice = Price{Method: http.MethodPost, Path: "/api/v1/generate", Amount: big.NewInt(10_000), Token: testToken}
	fixedNow      = time.Unix(1_700_000_000, 0)
)

func testGate() *Gate {
	domain := signature.NewDomain(big.NewInt(1337), common.HexToAddress("0x000000000000000000000000000000000000c0de"))
	return NewGate(domain, testRecipient, time.Minute, []Price{generatePrice}, WithClock(func() time.Time { return fixedNow }))
}

func paidHandler(t *testing.T, gate *Gate) (http.Handler, *common.Address) {
	t.Helper()
	var payer common.Address
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := PayerFromContext(r.Context())
		assert.True(t, ok)
		payer = addr
		w.WriteHeader(http.StatusOK)
	})
	return gate.Middleware(next), &payer
}

func fetchChallenge(t *testing.T, h http.Handler) Challenge {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/generate", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var c Challenge
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	return c
}

func send(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader("{}"))
	req.Header.Set(HeaderPayment, header)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChallengeDescribesPrice(t *testing.T) {
	h, _ := paidHandler(t, testGate())
	c := fetchChallenge(t, h)

	assert.Equal(t, "10000", c.Amount)
	assert.Equal(t, testToken.Hex(), c.Token)
	assert.Equal(t, testRecipient.Hex(), c.Recipient)
	assert.Equal(t, "1337", c.ChainID)
	assert.Equal(t, "POST /api/v1/generate", c.Endpoint)
	assert.Equal(t, fixedNow.Add(time.Minute).Unix(), c.Deadline)
	assert.NotEmpty(t, c.PaymentID)
	assert.NotEmpty(t, c.Error)
}

func TestUnpricedRoutesPassThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	testGate().Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/policy", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestValidPaymentAttachesPayer(t *testing.T) {
	h, payer := paidHandler(t, testGate())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	header, err := Pay(fetchChallenge(t, h), key)
	require.NoError(t, err)
	rec := send(h, header)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), *payer)
}

func TestPaymentMustMatchExactly(t *testing.T) {
	gate := testGate()
	h, _ := paidHandler(t, gate)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	mutations := map[string]func(c *Challenge){
		"overpay":   func(c *Challenge) { c.Amount = "10001" },
		"underpay":  func(c *Challenge) { c.Amount = "9999" },
		"token":     func(c *Challenge) { c.Token = testRecipient.Hex() },
		"endpoint":  func(c *Challenge) { c.Endpoint = "POST /api/v1/intents" },
		"recipient": func(c *Challenge) { c.Recipient = testToken.Hex() },
		"expired":   func(c *Challenge) { c.Deadline = fixedNow.Add(-time.Second).Unix() },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := fetchChallenge(t, h)
			mutate(&c)
			header, err := Pay(c, key)
			require.NoError(t, err)

			rec := send(h, header)
			assert.Equal(t, http.StatusPaymentRequired, rec.Code)

			_, err = gate.Verify(generatePrice, header)
			assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidPayment))
		})
	}
}

func TestMalformedHeaders(t *testing.T) {
	gate := testGate()
	_, err := gate.Verify(generatePrice, "%%%")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidPayment))

	_, err = gate.Verify(generatePrice, base64.StdEncoding.EncodeToString([]byte("not json")))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidPayment))

	c := gate.NewChallenge(generatePrice)
	header, err := EncodeProof(Proof{Payment: c.Message(), Signature: "0xdeadbeef"})
	require.NoError(t, err)
	_, err = gate.Verify(generatePrice, header)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidSignature))
}

func TestSignatureFromOtherDomainRecoversDifferentPayer(t *testing.T) {
	gate := testGate()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c := gate.NewChallenge(generatePrice)
	c.ChainID = "1"
	header, err := Pay(c, key)
	require.NoError(t, err)

	payer, err := gate.Verify(generatePrice, header)
	require.NoError(t, err)
	assert.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), payer)
}

func TestFromConfig(t *testing.T) {
	domain := signature.NewDomain(big.NewInt(1), common.Address{})
	gate, err := FromConfig(domain, config.PaymentConfig{
		Recipient: testRecipient.Hex(),
		Token:     testToken.Hex(),
		Routes:    []config.PaymentRoute{{Path: "/api/v1/generate", Amount: "5"}},
	})
	require.NoError(t, err)
	price, ok := gate.prices["POST /api/v1/generate"]
	require.True(t, ok)
	assert.Equal(t, testToken, price.Token)
	assert.Equal(t, defaultTTL, gate.ttl)

	_, err = FromConfig(domain, config.PaymentConfig{Recipient: "nope"})
	assert.Error(t, err)
	_, err = FromConfig(domain, config.PaymentConfig{Recipient: testRecipient.Hex(), Routes: []config.PaymentRoute{{Path: "/x", Amount: "1.5"}}})
	assert.Error(t, err)
}
