package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	// BaseURL of an Etherscan-compatible explorer API, e.g. https://api.basescan.org/api.
	BaseURL    string
	Network    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient checks transactions against an Etherscan-compatible explorer:
// first the receipt status, then the transaction detail for transfer fields.
type HTTPClient struct {
	baseURL string
	network string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chain oracle base url required")
	}
	network := cfg.Network
	if network == "" {
		network = "base"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		network: network,
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type receiptResponse struct {
	Status string `json:"status"`
	Result *struct {
		Status string `json:"status"`
	} `json:"result"`
}

type txResponse struct {
	Result *struct {
		From        string `json:"from"`
		To          string `json:"to"`
		BlockNumber string `json:"blockNumber"`
	} `json:"result"`
}

func (c *HTTPClient) VerifyTransaction(ctx context.Context, txHash string) (Verification, error) {
	if !ValidHash(txHash) {
		return Verification{Verified: false, TxHash: txHash, Error: "invalid transaction hash format"}, nil
	}

	var receipt receiptResponse
	if err := c.getJSON(ctx, c.endpoint("transaction", "gettxreceiptstatus", txHash), &receipt); err != nil {
		return Verification{}, fmt.Errorf("receipt status: %w", err)
	}
	switch {
	case receipt.Status == "1" && receipt.Result != nil && receipt.Result.Status == "1":
		// exists and succeeded; fall through to fetch transfer details
	case receipt.Status == "1" && receipt.Result != nil && receipt.Result.Status == "0":
		return Verification{Verified: false, TxHash: txHash, Error: "transaction failed on-chain"}, nil
	default:
		return Verification{Verified: false, TxHash: txHash, Error: "transaction not found on " + c.network}, nil
	}

	verification := Verification{
		Verified:   true,
		Network:    c.network,
		TxHash:     txHash,
		VerifiedAt: time.Now().UTC(),
	}
	var tx txResponse
	if err := c.getJSON(ctx, c.endpoint("proxy", "eth_getTransactionByHash", txHash), &tx); err != nil {
		// Receipt already confirmed success; transfer details are best effort.
		return verification, nil
	}
	if tx.Result != nil {
		verification.From = tx.Result.From
		verification.To = tx.Result.To
		if block, err := strconv.ParseInt(strings.TrimPrefix(tx.Result.BlockNumber, "0x"), 16, 64); err == nil {
			verification.BlockNumber = block
		}
	}
	return verification, nil
}

func (c *HTTPClient) endpoint(module, action, txHash string) string {
	q := url.Values{}
	q.Set("module", module)
	q.Set("action", action)
	q.Set("txhash", txHash)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	return c.baseURL + "?" + q.Encode()
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
		} else {
			decodeErr := decodeBody(resp, out)
			resp.Body.Close()
			cancel()
			if decodeErr == nil {
				return nil
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("explorer request failed: %w", lastErr)
}

func decodeBody(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("explorer returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode explorer response: %w", err)
	}
	return nil
}
