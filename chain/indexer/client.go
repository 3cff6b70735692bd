// Package indexer is the HTTP client for the external Bitcoin runes
// indexer: outpoint and transaction lookups, address UTXO listings, and
// transaction broadcast, with rate limiting and bounded retries.
package indexer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

// Config holds configuration for the indexer client.
type Config struct {
	// BaseURL is the indexer API endpoint.
	BaseURL string

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// RateLimit is the number of requests per second allowed.
	// Default: 10
	RateLimit int

	// Timeout is the HTTP request timeout.
	// Default: 30 seconds
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests.
	// Default: 3
	RetryAttempts int

	// RetryDelay is the base delay between retry attempts.
	// Default: 1 second
	RetryDelay time.Duration
}

// DefaultConfig returns a default configuration for the given endpoint.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:       baseURL,
		RateLimit:     10,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Client is a rate-limited HTTP client for the runes indexer.
type Client struct {
	cfg *Config

	httpClient  *http.Client
	rateLimiter *rate.Limiter

	mu sync.RWMutex
}

// NewClient creates a new indexer client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig("http://localhost:3000")
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: limiter,
	}
}

// doRequest performs an HTTP request with rate limiting and retries.
// Transient failures (network errors, 429, 5xx) back off exponentially;
// everything else surfaces immediately.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			if attempt < c.cfg.RetryAttempts {
				select {
				case <-time.After(c.cfg.RetryDelay *
					time.Duration(1<<attempt)):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, lastErr
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w",
				err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited by indexer (429)")
			if attempt < c.cfg.RetryAttempts {
				select {
				case <-time.After(c.cfg.RetryDelay *
					time.Duration(1<<attempt) * 2):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound,
				string(respBody))
		case 500, 502, 503, 504:
			lastErr = fmt.Errorf("indexer error (%d): %s",
				resp.StatusCode, string(respBody))
			if attempt < c.cfg.RetryAttempts {
				select {
				case <-time.After(c.cfg.RetryDelay *
					time.Duration(1<<attempt)):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		default:
			return nil, fmt.Errorf("unexpected status code %d: %s",
				resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.RetryAttempts+1, lastErr)
}

// GetCurrentHeight retrieves the current chain tip height.
func (c *Client) GetCurrentHeight(ctx context.Context) (uint32, error) {
	respBody, err := c.doRequest(ctx, "GET", "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	var height uint32
	if err := json.Unmarshal(respBody, &height); err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// GetTransaction retrieves a transaction's status by id.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*TransactionResponse, error) {
	path := fmt.Sprintf("/tx/%s", txid)
	respBody, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var tx TransactionResponse
	if err := json.Unmarshal(respBody, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	return &tx, nil
}

// GetOutPoint retrieves the rune contents and spend status of an outpoint.
func (c *Client) GetOutPoint(ctx context.Context, txid string, vout uint32) (*OutPointResponse, error) {
	path := fmt.Sprintf("/outpoint/%s/%d", txid, vout)
	respBody, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var outPoint OutPointResponse
	if err := json.Unmarshal(respBody, &outPoint); err != nil {
		return nil, fmt.Errorf("failed to parse outpoint: %w", err)
	}

	return &outPoint, nil
}

// GetAddressUTXOs lists unspent outputs paying an address, with their rune
// contents.
func (c *Client) GetAddressUTXOs(ctx context.Context, address string) ([]UTXOResponse, error) {
	path := fmt.Sprintf("/address/%s/utxo", address)
	respBody, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var utxos []UTXOResponse
	if err := json.Unmarshal(respBody, &utxos); err != nil {
		return nil, fmt.Errorf("failed to parse utxos: %w", err)
	}

	return utxos, nil
}

// BroadcastTransaction submits a raw transaction to the network through the
// indexer's connected node.
func (c *Client) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	txHex := hex.EncodeToString(buf.Bytes())

	respBody, err := c.doRequest(ctx, "POST", "/tx", []byte(txHex))
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	return string(respBody), nil
}
