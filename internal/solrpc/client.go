// Package solrpc is a read-only JSON-RPC client for the Solana cluster
// holding the bridge program.
package solrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

var (
	ErrInvalidConfig    = errors.New("solrpc: invalid config")
	ErrRPC              = errors.New("solrpc: rpc error")
	ErrResponseTooLarge = errors.New("solrpc: response too large")
	ErrTxNotFound       = errors.New("solrpc: transaction not found")
	ErrInvalidSignature = errors.New("solrpc: invalid signature")
	ErrInvalidAddress   = errors.New("solrpc: invalid address")
)

const (
	// CommitmentFinalized is the only commitment the bridge reads at.
	CommitmentFinalized = "finalized"

	// DefaultPageLimit matches the page size the bridge program is scraped with.
	DefaultPageLimit = 10
	maxPageLimit     = 1000
)

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "solrpc: nil rpc error"
	}
	return fmt.Sprintf("solrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

// HTTPStatusError is a non-200 HTTP reply from the RPC node.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("solrpc: http status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Unwrap() error { return ErrRPC }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	url          string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(rpcURL string, opts ...Option) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	u, err := url.Parse(rpcURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidConfig)
	}
	c := &Client{
		url:          rpcURL,
		hc:           &http.Client{Timeout: 20 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) URL() string { return c.url }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     uint64          `json:"id"`
}

// SignaturesOptions pages backwards through an address's history. Results
// are newest first, strictly older than Before and strictly newer than Until.
type SignaturesOptions struct {
	Before string
	Until  string
	Limit  int
}

type SignatureInfo struct {
	Signature string
	Slot      uint64
	// Failed is set when the transaction executed with an error on chain.
	Failed    bool
	Err       string
	BlockTime *int64
}

type Transaction struct {
	Signature   string
	Slot        uint64
	BlockTime   *int64
	Failed      bool
	Err         string
	LogMessages []string
}

func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts SignaturesOptions) ([]SignatureInfo, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > maxPageLimit {
		return nil, fmt.Errorf("%w: limit must be <= %d", ErrInvalidConfig, maxPageLimit)
	}
	cfg := map[string]any{
		"limit":      limit,
		"commitment": CommitmentFinalized,
	}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	if opts.Until != "" {
		cfg["until"] = opts.Until
	}

	type sigResult struct {
		Signature string          `json:"signature"`
		Slot      uint64          `json:"slot"`
		Err       json.RawMessage `json:"err"`
		BlockTime *int64          `json:"blockTime"`
	}
	var res []sigResult
	if err := c.call(ctx, "getSignaturesForAddress", []any{address, cfg}, &res); err != nil {
		return nil, err
	}

	out := make([]SignatureInfo, 0, len(res))
	for _, r := range res {
		if err := ValidateSignature(r.Signature); err != nil {
			return nil, fmt.Errorf("solrpc: getSignaturesForAddress result: %w", err)
		}
		failed, msg := txErr(r.Err)
		out = append(out, SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			Failed:    failed,
			Err:       msg,
			BlockTime: r.BlockTime,
		})
	}
	return out, nil
}

// GetTransaction returns ErrTxNotFound when the node has not made the body
// available yet. Callers retry that.
func (c *Client) GetTransaction(ctx context.Context, signature string) (Transaction, error) {
	if err := ValidateSignature(signature); err != nil {
		return Transaction{}, err
	}
	cfg := map[string]any{
		"encoding":                       "json",
		"commitment":                     CommitmentFinalized,
		"maxSupportedTransactionVersion": 0,
	}

	type txResult struct {
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Meta      *struct {
			Err         json.RawMessage `json:"err"`
			LogMessages []string        `json:"logMessages"`
		} `json:"meta"`
	}
	var raw json.RawMessage
	if err := c.call(ctx, "getTransaction", []any{signature, cfg}, &raw); err != nil {
		return Transaction{}, err
	}
	if isNull(raw) {
		return Transaction{}, ErrTxNotFound
	}
	var res txResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Transaction{}, fmt.Errorf("solrpc: unmarshal transaction: %w", err)
	}

	out := Transaction{
		Signature: signature,
		Slot:      res.Slot,
		BlockTime: res.BlockTime,
	}
	if res.Meta != nil {
		out.Failed, out.Err = txErr(res.Meta.Err)
		out.LogMessages = res.Meta.LogMessages
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("solrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("solrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("solrpc: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("solrpc: unmarshal response: %w", err)
	}
	if rr.Error != nil {
		return &RPCError{
			Code:    rr.Error.Code,
			Message: rr.Error.Message,
		}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], rr.Result...)
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("solrpc: unmarshal result: %w", err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("solrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// txErr reports whether an on-chain err field is set and renders it.
func txErr(raw json.RawMessage) (bool, string) {
	if isNull(raw) {
		return false, ""
	}
	return true, string(raw)
}

// ValidateSignature checks that s is a base58 transaction signature (64 bytes).
func ValidateSignature(s string) error {
	if len(base58.Decode(strings.TrimSpace(s))) != 64 || strings.TrimSpace(s) != s {
		return fmt.Errorf("%w: %q", ErrInvalidSignature, s)
	}
	return nil
}

// ValidateAddress checks that s is a base58 public key (32 bytes).
func ValidateAddress(s string) error {
	if len(base58.Decode(strings.TrimSpace(s))) != 32 || strings.TrimSpace(s) != s {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return nil
}
