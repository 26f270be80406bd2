// Package apiClient provides the HTTP client for the Meridian exchange REST
// API. It covers the endpoints the submission core depends on: next-nonce
// lookup, transaction status lookup, and the single and batched sendTx
// endpoints. Transport-level failures are retried with exponential backoff;
// API-level errors are returned as typed values and never retried here.
package apiClient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	// CodeOK is the API result code for a successful call.
	CodeOK = 200
	// CodeTxNotFound is returned when a transaction hash is not (yet) known
	// to the exchange. Callers polling for confirmation treat it as transient.
	CodeTxNotFound = 21500
)

var (
	// ErrTxNotFound wraps CodeTxNotFound responses from GetTransaction.
	ErrTxNotFound = errors.New("transaction not found")
)

// APIError is a non-OK result envelope returned by the exchange.
type APIError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// Config holds the configuration for the REST client.
type Config struct {
	// BaseURL is the exchange REST endpoint, e.g. https://api.meridian.exchange
	BaseURL string
	// Timeout bounds each HTTP round trip. Defaults to 10s.
	Timeout time.Duration
	// MaxRetries bounds transport-level retry attempts. Defaults to 3.
	MaxRetries int
}

// Client is an HTTP client for the exchange REST API.
type Client struct {
	config *Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a new REST client for the given base URL.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		config: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &loggingRoundTripper{
				next:   http.DefaultTransport,
				logger: logger,
			},
		},
		logger: logger,
	}, nil
}

// NextNonce fetches the next unused nonce for the (account, key slot) pair.
func (c *Client) NextNonce(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error) {
	params := url.Values{}
	params.Set("account_index", strconv.FormatInt(accountIndex, 10))
	params.Set("api_key_index", strconv.Itoa(int(apiKeyIndex)))

	var resp struct {
		Code    int32  `json:"code"`
		Message string `json:"message"`
		Nonce   int64  `json:"nonce"`
	}
	if err := c.get(ctx, "/api/v1/nextNonce", params, &resp); err != nil {
		return 0, fmt.Errorf("failed to fetch next nonce: %w", err)
	}
	if resp.Code != CodeOK {
		return 0, &APIError{Code: resp.Code, Message: resp.Message}
	}
	return resp.Nonce, nil
}

// GetTransaction looks up a transaction record by hash. A CodeTxNotFound
// response is returned as an error wrapping ErrTxNotFound.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*TransactionRecord, error) {
	params := url.Values{}
	params.Set("by", "hash")
	params.Set("value", hash)

	var resp struct {
		Code    int32              `json:"code"`
		Message string             `json:"message"`
		Tx      *TransactionRecord `json:"tx"`
	}
	if err := c.get(ctx, "/api/v1/tx", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", hash, err)
	}
	if resp.Code == CodeTxNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	if resp.Code != CodeOK {
		return nil, &APIError{Code: resp.Code, Message: resp.Message}
	}
	if resp.Tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	return resp.Tx, nil
}

// SendTx submits one signed transaction payload and returns its hash.
func (c *Client) SendTx(ctx context.Context, txType TxType, txInfo string) (string, error) {
	form := url.Values{}
	form.Set("tx_type", strconv.Itoa(int(txType)))
	form.Set("tx_info", txInfo)

	var resp struct {
		Code    int32  `json:"code"`
		Message string `json:"message"`
		TxHash  string `json:"tx_hash"`
	}
	if err := c.post(ctx, "/api/v1/sendTx", form, &resp); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	if resp.Code != CodeOK {
		return "", &APIError{Code: resp.Code, Message: resp.Message}
	}
	return resp.TxHash, nil
}

// SendTxBatch submits several signed transactions in one call. It returns one
// hash per submitted payload, in submission order. A non-OK envelope fails the
// whole call; per-item outcomes inside an OK envelope are reported through the
// parallel errors slice, where a nil entry means the item was accepted.
func (c *Client) SendTxBatch(ctx context.Context, txTypes []TxType, txInfos []string) ([]string, []error, error) {
	if len(txTypes) != len(txInfos) {
		return nil, nil, fmt.Errorf("mismatched batch lengths: %d types, %d payloads", len(txTypes), len(txInfos))
	}

	encodedTypes, err := json.Marshal(txTypes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode tx types: %w", err)
	}
	encodedInfos, err := json.Marshal(txInfos)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode tx payloads: %w", err)
	}

	form := url.Values{}
	form.Set("tx_types", string(encodedTypes))
	form.Set("tx_infos", string(encodedInfos))

	var resp struct {
		Code    int32  `json:"code"`
		Message string `json:"message"`
		Results []struct {
			Code    int32  `json:"code"`
			Message string `json:"message"`
			TxHash  string `json:"tx_hash"`
		} `json:"results"`
	}
	if err := c.post(ctx, "/api/v1/sendTxBatch", form, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to send transaction batch: %w", err)
	}
	if resp.Code != CodeOK {
		return nil, nil, &APIError{Code: resp.Code, Message: resp.Message}
	}
	if len(resp.Results) != len(txInfos) {
		return nil, nil, fmt.Errorf("batch response has %d results for %d requests", len(resp.Results), len(txInfos))
	}

	hashes := make([]string, len(resp.Results))
	itemErrs := make([]error, len(resp.Results))
	for i, r := range resp.Results {
		if r.Code != CodeOK {
			itemErrs[i] = &APIError{Code: r.Code, Message: r.Message}
			continue
		}
		hashes[i] = r.TxHash
	}
	return hashes, itemErrs, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.config.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	body := form.Encode()
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, out)
}

// do executes the request, retrying connection failures and 5xx responses
// with exponential backoff. The request is rebuilt per attempt because the
// body reader is consumed on send.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error), out any) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffCfg.NextBackOff()):
			}
		}

		req, err := build()
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			continue
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries, lastErr)
}

// loggingRoundTripper logs each API round trip with method, path, status and
// duration. It is the REST-client counterpart of an HTTP server request
// logging middleware.
type loggingRoundTripper struct {
	next   http.RoundTripper
	logger *zap.Logger
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)

	fields := []zap.Field{
		zap.String("system", "http"),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		l.logger.Debug("api_request_failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	l.logger.Debug("api_request", append(fields, zap.Int("status", resp.StatusCode))...)
	return resp, nil
}
