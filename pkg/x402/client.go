package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultFacilitatorURL = "https://facilitator.payai.network"

// Client talks to an x402 payment facilitator
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a facilitator client
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultFacilitatorURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// BaseURL returns the facilitator root URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Instructions tell a payer what to send and where
type Instructions struct {
	Facilitator string `json:"facilitator"`
	Network     string `json:"network"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
	Memo        string `json:"memo,omitempty"`
}

// PaymentPayload is the proof a payer submits after paying
type PaymentPayload struct {
	TransactionHash string `json:"transactionHash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	Network         string `json:"network"`
	Token           string `json:"token"`
	Timestamp       int64  `json:"timestamp"`
}

// VerifyResponse is the facilitator's verdict on a payment
type VerifyResponse struct {
	Success         bool   `json:"success"`
	PaymentID       string `json:"paymentId"`
	Verified        bool   `json:"verified"`
	TransactionHash string `json:"transactionHash"`
}

// OK reports whether the payment can be trusted
func (r *VerifyResponse) OK() bool {
	return r != nil && r.Success && r.Verified
}

// PaymentStatus is the facilitator's view of a previously verified payment
type PaymentStatus struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// NewInstructions builds payment instructions for amount (in whole token units)
func (c *Client) NewInstructions(memo string, amount decimal.Decimal, recipient, network, token string) Instructions {
	return Instructions{
		Facilitator: c.baseURL,
		Network:     network,
		Token:       token,
		Amount:      amount.String(),
		Recipient:   recipient,
		Memo:        memo,
	}
}

// Verify posts a payment proof to the facilitator's /verify endpoint
func (c *Client) Verify(ctx context.Context, payload PaymentPayload) (*VerifyResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out VerifyResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPaymentStatus looks up a payment by facilitator id
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	u := fmt.Sprintf("%s/payment/%s", c.baseURL, url.PathEscape(paymentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out PaymentStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator request failed with status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PaymentRequiredHeaders are set on every 402 response
func PaymentRequiredHeaders(instructions Instructions) map[string]string {
	encoded, _ := json.Marshal(instructions)
	return map[string]string{
		"X-Payment-Required":     "true",
		"X-Payment-Instructions": string(encoded),
	}
}
