package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is the identity oracle's answer for one public key.
type Status struct {
	Verified  bool    `json:"verified"`
	Level     *string `json:"level"`
	PublicKey string  `json:"publicKey"`
	Error     string  `json:"error,omitempty"`
}

// Client is consulted at registration time and when serving agent profiles.
// It never participates in scoring.
type Client interface {
	Verify(ctx context.Context, publicKey string) (Status, error)
}

// StaticClient answers from a fixed table, for tests and offline development.
type StaticClient struct {
	Statuses map[string]Status
}

func NewStaticClient() *StaticClient {
	return &StaticClient{Statuses: map[string]Status{}}
}

func (c *StaticClient) Verify(ctx context.Context, publicKey string) (Status, error) {
	if status, ok := c.Statuses[publicKey]; ok {
		return status, nil
	}
	return Status{Verified: false, PublicKey: publicKey}, nil
}

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient queries the identity provider's status endpoint:
// GET {base}/api/v1/identity/{publicKey}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity oracle base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
	}, nil
}

func (c *HTTPClient) Verify(ctx context.Context, publicKey string) (Status, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/api/v1/identity/" + url.PathEscape(publicKey)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	// An unknown key is a plain unverified answer, not an error.
	if resp.StatusCode != http.StatusOK {
		return Status{Verified: false, PublicKey: publicKey}, nil
	}
	var payload struct {
		Verified bool    `json:"verified"`
		Level    *string `json:"verification_level"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Status{}, fmt.Errorf("decode identity response: %w", err)
	}
	return Status{Verified: payload.Verified, Level: payload.Level, PublicKey: publicKey}, nil
}
