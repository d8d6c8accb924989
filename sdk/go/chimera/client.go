// Package chimera is a Go client for the Chimera facilitator API. It signs
// intents locally, submits them for gasless execution and can answer x402
// payment challenges on behalf of the caller.
package chimera

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"chimera/internal/facilitator"
	"chimera/internal/intent"
	"chimera/internal/payment"
	"chimera/internal/policy"
	"chimera/internal/signature"
	"chimera/internal/task"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming generation calls are not bound by it.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoSigner is returned when an operation needs a signing key but the
// client was created without one.
var ErrNoSigner = errors.New("chimera: signing key is not configured")

// Client wraps the HTTP interactions with the Chimera REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streamHTTP *http.Client

	signer     *ecdsa.PrivateKey
	payer      *ecdsa.PrivateKey
	maxPayment *big.Int

	mu     sync.RWMutex
	domain *signature.Domain
}

// Option customises a Client.
type Option func(*Client)

// WithSigner sets the key used to sign intents.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.signer = key
	}
}

// WithDomain pins the EIP-712 domain instead of fetching it from the server.
func WithDomain(domain signature.Domain) Option {
	return func(c *Client) {
		c.domain = &domain
	}
}

// WithPaymentKey enables automatic answers to 402 challenges. Challenges
// asking for more than max base units are refused; a nil max accepts any
// amount.
func WithPaymentKey(key *ecdsa.PrivateKey, max *big.Int) Option {
	return func(c *Client) {
		c.payer = key
		c.maxPayment = max
	}
}

// QuotaResponse mirrors the remaining allowance of a user.
type QuotaResponse struct {
	Address        string                `json:"address"`
	RemainingSpend policy.RemainingSpend `json:"remainingSpend"`
	RemainingTx    policy.RemainingTx    `json:"remainingTx"`
}

// APIError represents a failure reported by the server.
type APIError struct {
	StatusCode int
	RequestID  string             `json:"request_id"`
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Details    []string           `json:"details,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	Challenge  *payment.Challenge `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chimera api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chimera api error (%d): %s", e.StatusCode, e.Message)
}

// PaymentRequired reports whether the server asked for an x402 payment.
func (e *APIError) PaymentRequired() bool {
	return e != nil && e.StatusCode == http.StatusPaymentRequired
}

// NewClient instantiates a client for the Chimera API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: httpClient, streamHTTP: httpClient}
	if httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
		c.streamHTTP = &http.Client{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the address of the configured signer.
func (c *Client) Address() (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}
	return crypto.PubkeyToAddress(c.signer.PublicKey).Hex(), nil
}

// Domain returns the EIP-712 domain, fetching it once from the server.
func (c *Client) Domain(ctx context.Context) (signature.Domain, error) {
	c.mu.RLock()
	cached := c.domain
	c.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	var domain signature.Domain
	if err := c.get(ctx, "/api/v1/facilitator/domain", &domain); err != nil {
		return signature.Domain{}, err
	}
	c.mu.Lock()
	c.domain = &domain
	c.mu.Unlock()
	return domain, nil
}

// SignIntent fills the data hash and signs the intent with the configured key.
func (c *Client) SignIntent(ctx context.Context, in intent.Intent) (facilitator.Request, error) {
	if c.signer == nil {
		return facilitator.Request{}, ErrNoSigner
	}
	domain, err := c.Domain(ctx)
	if err != nil {
		return facilitator.Request{}, err
	}
	in, err = in.WithDataHash()
	if err != nil {
		return facilitator.Request{}, err
	}
	sig, err := signature.Sign(in, domain, c.signer)
	if err != nil {
		return facilitator.Request{}, err
	}
	user, _ := c.Address()
	return facilitator.Request{Intent: in, Signature: hexutil.Encode(sig), User: user}, nil
}

// ExecuteIntent signs and submits an intent, waiting for its receipt.
func (c *Client) ExecuteIntent(ctx context.Context, in intent.Intent) (facilitator.Result, error) {
	req, err := c.SignIntent(ctx, in)
	if err != nil {
		return facilitator.Result{}, err
	}
	return c.Submit(ctx, req)
}

// Submit sends an already signed request.
func (c *Client) Submit(ctx context.Context, req facilitator.Request) (facilitator.Result, error) {
	var result facilitator.Result
	if err := c.post(ctx, "/api/v1/intents", req, &result); err != nil {
		return facilitator.Result{}, err
	}
	return result, nil
}

// EstimateGas asks the facilitator for a display-only cost estimate.
func (c *Client) EstimateGas(ctx context.Context, in intent.Intent) (facilitator.Estimate, error) {
	var estimate facilitator.Estimate
	if err := c.post(ctx, "/api/v1/intents/estimate", in, &estimate); err != nil {
		return facilitator.Estimate{}, err
	}
	return estimate, nil
}

// Balance returns the facilitator account balance.
func (c *Client) Balance(ctx context.Context) (facilitator.Balance, error) {
	var balance facilitator.Balance
	if err := c.get(ctx, "/api/v1/facilitator/balance", &balance); err != nil {
		return facilitator.Balance{}, err
	}
	return balance, nil
}

// Policy returns the active policy configuration.
func (c *Client) Policy(ctx context.Context) (policy.View, error) {
	var view policy.View
	if err := c.get(ctx, "/api/v1/policy", &view); err != nil {
		return policy.View{}, err
	}
	return view, nil
}

// Quota returns the remaining allowance of address. An empty address means
// the configured signer.
func (c *Client) Quota(ctx context.Context, address string) (QuotaResponse, error) {
	if address == "" {
		var err error
		if address, err = c.Address(); err != nil {
			return QuotaResponse{}, err
		}
	}
	var quota QuotaResponse
	if err := c.get(ctx, "/api/v1/users/"+url.PathEscape(address)+"/quota", &quota); err != nil {
		return QuotaResponse{}, err
	}
	return quota, nil
}

// SubmitJob enqueues an asynchronous generation job.
func (c *Client) SubmitJob(ctx context.Context, req task.SubmitRequest) (task.Task, error) {
	var job task.Task
	if err := c.post(ctx, "/api/v1/jobs", req, &job); err != nil {
		return task.Task{}, err
	}
	return job, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (task.Task, error) {
	var job task.Task
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), &job); err != nil {
		return task.Task{}, err
	}
	return job, nil
}

// WaitJob polls until the job reaches a terminal status or ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (task.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return task.Task{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.send(ctx, c.httpClient, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	resp, err := c.send(ctx, c.httpClient, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// send performs the request and, when a payment key is configured, answers a
// single 402 challenge by replaying the request with an X-PAYMENT header.
func (c *Client) send(ctx context.Context, hc *http.Client, method, endpoint string, body []byte) (*http.Response, error) {
	resp, err := c.do(ctx, hc, method, endpoint, body, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || c.payer == nil {
		return resp, nil
	}
	apiErr := readError(resp)
	challenge := apiErr.Challenge
	if challenge == nil {
		return nil, apiErr
	}
	if err := c.checkPrice(*challenge); err != nil {
		return nil, err
	}
	header, err := payment.Pay(*challenge, c.payer)
	if err != nil {
		return nil, fmt.Errorf("sign payment: %w", err)
	}
	return c.do(ctx, hc, method, endpoint, body, header)
}

func (c *Client) checkPrice(ch payment.Challenge) error {
	if c.maxPayment == nil {
		return nil
	}
	amount, ok := new(big.Int).SetString(ch.Amount, 10)
	if !ok {
		return fmt.Errorf("chimera: challenge amount %q is not an integer", ch.Amount)
	}
	if amount.Cmp(c.maxPayment) > 0 {
		return fmt.Errorf("chimera: payment of %s for %s exceeds limit %s", amount, ch.Endpoint, c.maxPayment)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, endpoint string, body []byte, paymentHeader string) (*http.Response, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if paymentHeader != "" {
		req.Header.Set(payment.HeaderPayment, paymentHeader)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		return readError(resp)
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readError consumes and closes the body of a failed response.
func readError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErr.Message = fmt.Sprintf("read error response: %v", err)
		return apiErr
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		var ch payment.Challenge
		if json.Unmarshal(data, &ch) == nil && ch.PaymentID != "" {
			apiErr.Challenge = &ch
			apiErr.Code = "PAYMENT_REQUIRED"
			apiErr.Message = ch.Error
			return apiErr
		}
	}
	var envelope struct {
		RequestID string    `json:"request_id"`
		Error     *APIError `json:"error"`
	}
	envelope.Error = apiErr
	if err := json.Unmarshal(data, &envelope); err != nil {
		_ = json.Unmarshal(data, apiErr)
	}
	apiErr.StatusCode = resp.StatusCode
	if envelope.RequestID != "" {
		apiErr.RequestID = envelope.RequestID
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
