package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Invoice statuses reported by the node service.
const (
	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusExpired = "expired"
)

// Invoice is a freshly created Lightning invoice.
type Invoice struct {
	PaymentRequest string    `json:"payment_request"`
	PaymentHash    string    `json:"payment_hash"`
	Preimage       string    `json:"preimage"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// InvoiceStatus is the current settlement state of an invoice.
type InvoiceStatus struct {
	Status     string     `json:"status"`
	AmountMsat int64      `json:"amount_msat"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// Payment is the result of an outgoing payment attempt.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Status      string `json:"status"`
}

// Client is a minimal REST client for the Lightning node service.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	macaroonHex string
}

// NewClient constructs a new node service client.
func NewClient(httpClient *http.Client, baseURL, macaroonHex string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, macaroonHex: macaroonHex}
}

// CreateInvoice registers a new invoice with the node.
func (c *Client) CreateInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int) (Invoice, error) {
	body := map[string]any{
		"amount_msat": amountMsat,
		"memo":        description,
		"expiry":      expirySeconds,
	}
	var resp Invoice
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return Invoice{}, err
	}
	if resp.PaymentRequest == "" || resp.PaymentHash == "" {
		return Invoice{}, fmt.Errorf("lightning: incomplete invoice response")
	}
	return resp, nil
}

// GetInvoiceStatus polls the invoice state by payment hash.
func (c *Client) GetInvoiceStatus(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	var resp InvoiceStatus
	if err := c.do(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(paymentHash), nil, &resp); err != nil {
		return InvoiceStatus{}, err
	}
	return resp, nil
}

// SendPayment pays a BOLT11 payment request.
func (c *Client) SendPayment(ctx context.Context, paymentRequest string) (Payment, error) {
	body := map[string]string{"payment_request": paymentRequest}
	var resp Payment
	if err := c.do(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return Payment{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Grpc-Metadata-Macaroon", c.macaroonHex)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("lightning: unexpected status %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
