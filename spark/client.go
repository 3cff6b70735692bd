// Package spark is the HTTP client for the Spark rollup: submitting signed
// mint/burn transactions, reading balances and burn receipts, and fetching
// wrapped-rune metadata from the rollup's oracle surface.
package spark

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// ErrNotFound is returned when the rollup does not know the queried object.
var ErrNotFound = errors.New("spark: not found")

// ErrRejected is returned when the rollup refuses a submitted transaction.
var ErrRejected = errors.New("spark: transaction rejected")

// Config holds configuration for the Spark RPC client.
type Config struct {
	// BaseURL is the rollup RPC endpoint.
	BaseURL string

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// RateLimit is the number of requests per second allowed.
	// Default: 10
	RateLimit int

	// Timeout is the HTTP request timeout.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultConfig returns a default configuration for the given endpoint.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:   baseURL,
		RateLimit: 10,
		Timeout:   30 * time.Second,
	}
}

// Client is a rate-limited Spark RPC client.
type Client struct {
	cfg *Config

	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a new Spark client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig("http://localhost:4000")
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: rate.NewLimiter(
			rate.Limit(cfg.RateLimit), cfg.RateLimit,
		),
	}
}

// SubmitRequest carries a signed TTXO to the rollup.
type SubmitRequest struct {
	// Kind is the transaction kind: mint, burn or exit_btc.
	Kind string `json:"kind"`

	// Body is the hex-encoded canonical TTXO serialization.
	Body string `json:"body"`

	// Signature is the hex-encoded 64-byte aggregate signature.
	Signature string `json:"signature"`

	// OperationalKey is the hex-encoded compressed key the signature
	// verifies under.
	OperationalKey string `json:"operational_key"`
}

// SubmitResponse reports the accepted transaction id.
type SubmitResponse struct {
	TxID string `json:"txid"`
}

// BalanceResponse reports a token balance for a Spark address.
type BalanceResponse struct {
	Address string `json:"address"`
	RuneID  string `json:"rune_id"`

	// Amount is in base units, decimal string.
	Amount string `json:"amount"`
}

// BurnReceipt proves a wrapped-rune burn into the bridge account.
type BurnReceipt struct {
	BurnTxID     string `json:"burn_txid"`
	SparkAddress string `json:"spark_address"`
	RuneID       string `json:"rune_id"`

	// Amount is in base units, decimal string.
	Amount string `json:"amount"`
}

// WRuneMetadata is the oracle's description of a wrapped rune.
type WRuneMetadata struct {
	RuneID       string `json:"rune_id"`
	Ticker       string `json:"ticker"`
	Divisibility uint8  `json:"divisibility"`
	Supply       string `json:"supply"`
}

// do performs one JSON request against the rollup.
func (c *Client) do(ctx context.Context, method, path string, reqBody,
	respBody any) error {

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.cfg.BaseURL+path, bodyReader,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spark request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, string(raw))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, string(raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("spark status %d: %s", resp.StatusCode,
			string(raw))
	}

	if respBody != nil {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// SubmitTransaction submits a signed TTXO and returns the rollup tx id.
func (c *Client) SubmitTransaction(ctx context.Context,
	tx *txbuilder.SparkTransaction, sig []byte,
	operationalKey []byte) (string, error) {

	req := SubmitRequest{
		Kind:           tx.Kind.String(),
		Body:           hex.EncodeToString(tx.Serialize()),
		Signature:      hex.EncodeToString(sig),
		OperationalKey: hex.EncodeToString(operationalKey),
	}

	var resp SubmitResponse
	if err := c.do(ctx, "POST", "/v1/transactions", req, &resp); err != nil {
		return "", err
	}

	return resp.TxID, nil
}

// GetBalance reads a token balance.
func (c *Client) GetBalance(ctx context.Context, address, runeID string) (*BalanceResponse, error) {
	var resp BalanceResponse
	path := fmt.Sprintf("/v1/balances/%s/%s", address, runeID)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetBurnReceipt looks up a burn by its rollup transaction id.
func (c *Client) GetBurnReceipt(ctx context.Context, burnTxID string) (*BurnReceipt, error) {
	var resp BurnReceipt
	path := fmt.Sprintf("/v1/burns/%s", burnTxID)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetRuneMetadata fetches the oracle's metadata for one rune.
func (c *Client) GetRuneMetadata(ctx context.Context, runeID string) (*WRuneMetadata, error) {
	var resp WRuneMetadata
	path := fmt.Sprintf("/v1/metadata/%s", runeID)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
