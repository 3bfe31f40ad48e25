package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Observation is the watcher's view of payments to a monitored address.
type Observation struct {
	TxHash        string  `json:"tx_hash"`
	Amount        float64 `json:"amount"`
	Confirmations int     `json:"confirmations"`
	Observed      bool    `json:"observed"`
}

// MempoolTx is an unconfirmed transaction seen from a source address.
type MempoolTx struct {
	TxHash    string    `json:"tx_hash"`
	FirstSeen time.Time `json:"first_seen"`
}

// TxIntel is the indexer's intelligence snapshot for one transaction hash.
type TxIntel struct {
	TxHash                string      `json:"tx_hash"`
	SourceAddress         string      `json:"source_address"`
	Confirmations         int         `json:"confirmations"`
	NetworkFee            float64     `json:"network_fee"`
	RBFSignaled           bool        `json:"rbf_signaled"`
	ReplacedByTxHash      string      `json:"replaced_by_tx_hash,omitempty"`
	OutputCount           int         `json:"output_count"`
	SameSourceUnconfirmed []MempoolTx `json:"same_source_unconfirmed,omitempty"`
	ConfirmedConflict     bool        `json:"confirmed_conflict"`
}

// Client is a minimal block-indexer API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient constructs a new indexer client.
func NewClient(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// GenerateAddress allocates a fresh receiving address for the currency.
func (c *Client) GenerateAddress(ctx context.Context, currency string) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	body := map[string]string{"currency": currency}
	if err := c.do(ctx, http.MethodPost, "/v1/addresses", body, &resp); err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", fmt.Errorf("chain: empty address for %s", currency)
	}
	return resp.Address, nil
}

// WatchAddress returns the best matching payment observed for the address.
func (c *Client) WatchAddress(ctx context.Context, address string, expectedAmount float64, currency string) (Observation, error) {
	var resp Observation
	path := "/v1/addresses/" + url.PathEscape(address) + "/payments?currency=" + url.QueryEscape(currency) +
		"&expected=" + strconv.FormatFloat(expectedAmount, 'f', -1, 64)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Observation{}, err
	}
	return resp, nil
}

// TransactionIntel fetches double-spend intelligence for a transaction hash.
func (c *Client) TransactionIntel(ctx context.Context, txHash string) (TxIntel, error) {
	var resp TxIntel
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(txHash)+"/intel", nil, &resp); err != nil {
		return TxIntel{}, err
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
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chain: unexpected status %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
