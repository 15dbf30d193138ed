package tokengate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OwnershipResponse is the body returned by the verification service.
type OwnershipResponse struct {
	Owns    bool   `json:"owns"`
	Balance string `json:"balance,omitempty"`
}

// HTTPOracle asks a verification service over HTTP:
// GET {BaseURL}/ownership?wallet=...&token=...
type HTTPOracle struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPOracle returns nil when baseURL is empty, leaving gated channels
// closed to everyone.
func NewHTTPOracle(baseURL, apiKey string, timeout time.Duration) *HTTPOracle {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}

	return &HTTPOracle{
		APIKey:  apiKey,
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (o *HTTPOracle) VerifyOwnership(ctx context.Context, walletAddress, tokenAddress string) (bool, error) {
	if o == nil {
		return false, fmt.Errorf("ownership oracle not configured")
	}

	params := url.Values{}
	params.Set("wallet", walletAddress)
	params.Set("token", tokenAddress)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/ownership?"+params.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var body OwnershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return body.Owns, nil
}

// StaticOracle answers from an in-memory table. Unknown pairs do not own.
type StaticOracle struct {
	mu     sync.RWMutex
	owners map[string]bool

	// Err, when set, is returned from every call.
	Err error
	// Delay postpones every answer, honouring ctx.
	Delay time.Duration
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{owners: make(map[string]bool)}
}

func (o *StaticOracle) Set(walletAddress, tokenAddress string, owns bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[staticKey(walletAddress, tokenAddress)] = owns
}

func (o *StaticOracle) VerifyOwnership(ctx context.Context, walletAddress, tokenAddress string) (bool, error) {
	if o.Delay > 0 {
		select {
		case <-time.After(o.Delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if o.Err != nil {
		return false, o.Err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owners[staticKey(walletAddress, tokenAddress)], nil
}

func staticKey(wallet, token string) string {
	return strings.ToLower(wallet) + "|" + strings.ToLower(token)
}
