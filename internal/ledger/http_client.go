package ledger

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
	"time"
)

var ErrInvalidConfig = errors.New("ledger: invalid config")

type Option func(*HTTPClient) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) error {
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

func WithBearerToken(token string) Option {
	return func(c *HTTPClient) error {
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("%w: empty bearer token", ErrInvalidConfig)
		}
		c.bearer = token
		return nil
	}
}

// HTTPClient talks to a ledger gateway over the JSON protocol in protocol.go.
type HTTPClient struct {
	baseURL      string
	hc           *http.Client
	bearer       string
	maxRespBytes int64
}

func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: base url must be an absolute http(s) url", ErrInvalidConfig)
	}
	c := &HTTPClient{
		baseURL:      strings.TrimRight(u.String(), "/"),
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 1 << 20,
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

func (c *HTTPClient) Mint(ctx context.Context, to string, amount uint64, memo [32]byte) (uint64, error) {
	body, err := json.Marshal(MintRequest{
		Version: MintRequestVersion,
		To:      to,
		Amount:  amount,
		Memo:    FormatMemo(memo),
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal request: %w", err)
	}
	var out BlockResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+MintPathV1, body, &out); err != nil {
		return 0, err
	}
	return out.BlockIndex, nil
}

func (c *HTTPClient) TransferFrom(ctx context.Context, from, to string, amount uint64, memo [32]byte) (uint64, error) {
	body, err := json.Marshal(TransferFromRequest{
		Version: TransferFromRequestVersion,
		From:    from,
		To:      to,
		Amount:  amount,
		Memo:    FormatMemo(memo),
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal request: %w", err)
	}
	var out BlockResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+TransferFromPathV1, body, &out); err != nil {
		return 0, err
	}
	return out.BlockIndex, nil
}

func (c *HTTPClient) BalanceOf(ctx context.Context, account string) (uint64, error) {
	var out BalanceResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+BalancePathV1+url.PathEscape(account), nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
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
		// The request may have reached the ledger; callers treat this as
		// possibly applied and retry with the same memo.
		return &Error{Kind: KindUnreachable, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return &Error{Kind: KindUnreachable, Message: err.Error()}
	}
	if int64(len(raw)) > c.maxRespBytes {
		return fmt.Errorf("ledger: response too large")
	}

	if resp.StatusCode != http.StatusOK {
		var eb ErrorResponse
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			kind := KindGeneric
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				kind = KindTemporarilyUnavailable
			}
			return &Error{Kind: kind, Message: http.StatusText(resp.StatusCode)}
		}
		return &Error{
			Kind:        parseKind(eb.Error),
			Message:     eb.Message,
			DuplicateOf: eb.DuplicateOf,
			Balance:     eb.Balance,
			Allowance:   eb.Allowance,
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}
