/**
 * @description
 * This package provides a client for the payment gateway. It creates orders for
 * contributions and verifies the completion proof the checkout hands back: an
 * HMAC-SHA256 of "order_id|payment_id" keyed with the account secret, optionally
 * followed by a server-side lookup confirming the payment was captured.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: Signature verification.
 * - github.com/shopspring/decimal: Amounts are converted to paise for the API.
 */
package paymentgateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const currencyINR = "INR"

var hundred = decimal.NewFromInt(100)

// Client is a client for the payment gateway.
type Client struct {
	baseURL       string
	keyID         string
	keySecret     string
	verifyCapture bool
	httpClient    *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, keyID, keySecret string, verifyCapture bool) *Client {
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		keyID:         strings.TrimSpace(keyID),
		keySecret:     strings.TrimSpace(keySecret),
		verifyCapture: verifyCapture,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type paymentResponse struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CreateOrder registers an order for amount and returns the gateway's order id.
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("order amount must be positive")
	}
	paise := amount.Mul(hundred).Round(0).IntPart()

	body, err := json.Marshal(createOrderRequest{Amount: paise, Currency: currencyINR, Receipt: receipt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal order request: %w", err)
	}

	var order orderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &order); err != nil {
		return "", err
	}
	if order.ID == "" {
		return "", fmt.Errorf("payment gateway returned an order without an id")
	}
	return order.ID, nil
}

// Verify reports whether the signature proves the payment belongs to the order.
// A false result with a nil error means the proof is not authentic.
func (c *Client) Verify(ctx context.Context, orderID, paymentID, signature string) (bool, error) {
	if c.keySecret == "" {
		return false, fmt.Errorf("payment gateway key secret is not configured")
	}
	if !ValidSignature(c.keySecret, orderID, paymentID, signature) {
		return false, nil
	}
	if !c.verifyCapture {
		return true, nil
	}

	var payment paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &payment); err != nil {
		return false, err
	}
	if payment.OrderID != orderID {
		return false, nil
	}
	switch payment.Status {
	case "captured", "authorized":
		return true, nil
	}
	return false, nil
}

// Sign returns the hex HMAC-SHA256 of "orderID|paymentID".
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares signature with the expected value in constant time.
func ValidSignature(secret, orderID, paymentID, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	expected, _ := hex.DecodeString(Sign(secret, orderID, paymentID))
	return hmac.Equal(provided, expected)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("payment gateway base url is empty")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to payment gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode payment gateway response: %w", err)
	}
	return nil
}
