package tss

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("tss: invalid config")
	ErrRPC           = errors.New("tss: rpc error")
)

// StatusError is a non-200 reply from the signing host.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tss: status %d: %s", e.StatusCode, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrRPC }

// Retryable reports whether the host is likely to succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

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

// WithBearerToken sends Authorization: Bearer <token> on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("%w: empty bearer token", ErrInvalidConfig)
		}
		c.bearer = token
		return nil
	}
}

// WithInsecureHTTP allows using plain HTTP. This is dangerous for signing traffic and should only be
// used for local development.
func WithInsecureHTTP() Option {
	return func(c *Client) error {
		c.allowInsecureHTTP = true
		return nil
	}
}

// Client talks to a signing host. It satisfies coupon.SigningService.
type Client struct {
	baseURL string
	hc      *http.Client
	bearer  string

	maxRespBytes int64

	allowInsecureHTTP bool
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url must be http(s)", ErrInvalidConfig)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: base url missing host", ErrInvalidConfig)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if u.Scheme == "http" && !c.allowInsecureHTTP {
		return nil, fmt.Errorf("%w: insecure http not allowed", ErrInvalidConfig)
	}

	return c, nil
}

// Sign returns r||s for digest under keyName.
func (c *Client) Sign(ctx context.Context, sessionID [32]byte, keyName string, digest [32]byte) ([]byte, error) {
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, fmt.Errorf("%w: missing key name", ErrInvalidConfig)
	}
	reqBody, err := json.Marshal(SignRequest{
		Version:   SignRequestVersion,
		SessionID: FormatSessionID(sessionID),
		KeyName:   keyName,
		Digest:    FormatDigest(digest),
	})
	if err != nil {
		return nil, fmt.Errorf("tss: marshal request: %w", err)
	}

	var out SignResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+SignPathV1, reqBody, &out); err != nil {
		return nil, err
	}
	if out.Version != SignResponseVersion {
		return nil, fmt.Errorf("tss: unexpected response version: %q", out.Version)
	}
	if out.SessionID != FormatSessionID(sessionID) {
		return nil, fmt.Errorf("tss: mismatched session id")
	}
	sig, err := ParseSignature(out.Signature)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// PublicKey returns the SEC1 compressed public key for keyName.
func (c *Client) PublicKey(ctx context.Context, keyName string) ([]byte, error) {
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, fmt.Errorf("%w: missing key name", ErrInvalidConfig)
	}
	endpoint := c.baseURL + PublicKeyPathV1 + "?keyName=" + url.QueryEscape(keyName)

	var out PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	if out.Version != PublicKeyResponseVersion {
		return nil, fmt.Errorf("tss: unexpected response version: %q", out.Version)
	}
	if out.KeyName != keyName {
		return nil, fmt.Errorf("tss: mismatched key name")
	}
	pub, err := hex.DecodeString(trimHexPrefix(out.PublicKey))
	if err != nil || len(pub) != 33 {
		return nil, fmt.Errorf("tss: invalid public key")
	}
	return pub, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return fmt.Errorf("tss: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("tss: http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := readAllLimited(resp.Body, c.maxRespBytes)
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &eb)
		code := strings.TrimSpace(eb.Error)
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return &StatusError{StatusCode: resp.StatusCode, Code: code}
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, c.maxRespBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("tss: decode response: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("tss: decode response: trailing data")
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: maxBytes must be > 0", ErrInvalidConfig)
	}
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("tss: response too large")
	}
	return b, nil
}
