/**
 * @description
 * Client for the gold rate feed. Every call hits the feed; nothing is cached, so
 * the snapshot returned always carries the feed's own fetch timestamp.
 */
package rateoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvest/scheme-service/internal/domain"
)

// Client is a client for the rate oracle.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new rate oracle client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type rateResponse struct {
	Metal        string          `json:"metal"`
	PricePerGram decimal.Decimal `json:"price_per_gram"`
	Currency     string          `json:"currency"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// CurrentRate fetches the current currency-per-gram rate for metal.
func (c *Client) CurrentRate(ctx context.Context, metal string) (domain.RateSnapshot, error) {
	if c.baseURL == "" {
		return domain.RateSnapshot{}, fmt.Errorf("rate oracle base url is empty")
	}

	endpoint := fmt.Sprintf("%s/v1/rates/%s", c.baseURL, url.PathEscape(metal))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.RateSnapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.RateSnapshot{}, fmt.Errorf("failed to execute request to rate oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.RateSnapshot{}, fmt.Errorf("rate oracle returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.RateSnapshot{}, fmt.Errorf("failed to decode rate response: %w", err)
	}
	if !body.PricePerGram.IsPositive() {
		return domain.RateSnapshot{}, fmt.Errorf("rate oracle returned non-positive price %s", body.PricePerGram)
	}
	if body.FetchedAt.IsZero() {
		return domain.RateSnapshot{}, fmt.Errorf("rate oracle response is missing fetched_at")
	}

	snapshot := domain.RateSnapshot{
		Metal:     body.Metal,
		PerGram:   body.PricePerGram,
		Currency:  body.Currency,
		FetchedAt: body.FetchedAt,
	}
	if snapshot.Metal == "" {
		snapshot.Metal = metal
	}
	return snapshot, nil
}
