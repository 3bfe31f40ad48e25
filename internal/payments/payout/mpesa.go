package payout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Result is the payout rail's record for one disbursement.
type Result struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	ReceiptRef    string `json:"receipt_ref"`
}

// Payout statuses reported by the rail.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Client is a minimal mobile-money B2C client in the Daraja style: an OAuth
// bearer token obtained from consumer credentials, then signed JSON requests.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	callbackURL    string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient constructs a new payout client.
func NewClient(httpClient *http.Client, baseURL, consumerKey, consumerSecret, shortcode, callbackURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		shortcode:      shortcode,
		callbackURL:    callbackURL,
	}
}

// SendMoney disburses fiat to a phone number. It is a money-moving call and is
// never retried here; the caller records failure and leaves reconciliation to
// an operator.
func (c *Client) SendMoney(ctx context.Context, destination string, amount float64, reference, memo string) (Result, error) {
	token, err := c.token(ctx)
	if err != nil {
		return Result{}, err
	}

	payload := map[string]any{
		"shortcode":    c.shortcode,
		"phone_number": destination,
		"amount":       amount,
		"reference":    reference,
		"remarks":      memo,
		"callback_url": c.callbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/b2c/v1/paymentrequest", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("payout: unexpected status %s", resp.Status)
	}

	var apiResp struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		ReceiptRef    string `json:"receipt_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return Result{}, err
	}
	if apiResp.TransactionID == "" {
		return Result{}, fmt.Errorf("payout: response missing transaction reference")
	}
	return Result{TransactionID: apiResp.TransactionID, Status: apiResp.Status, ReceiptRef: apiResp.ReceiptRef}, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	httpReq.Header.Set("Authorization", "Basic "+creds)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("payout: token request failed with %s", resp.Status)
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in,string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("payout: empty access token")
	}
	ttl := time.Duration(tokenResp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 50 * time.Minute
	}
	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(ttl - 30*time.Second)
	return c.accessToken, nil
}
