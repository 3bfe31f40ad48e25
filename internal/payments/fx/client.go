package fx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Rate is one crypto/fiat quote with the provider's conversion fee rate.
type Rate struct {
	Rate float64 `json:"rate"`
	Fee  float64 `json:"fee"`
}

// ConversionRequest asks the provider to convert crypto into fiat.
type ConversionRequest struct {
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	FiatCurrency   string  `json:"fiat_currency"`
	Reference      string  `json:"reference"`
	PayoutIdentity string  `json:"payout_identity"`
}

// ConversionResult is the provider's execution record.
type ConversionResult struct {
	ConversionID string  `json:"conversion_id"`
	Status       string  `json:"status"`
	NetAmount    float64 `json:"net_amount"`
}

// Client is a minimal conversion provider API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secret     string
}

// NewClient constructs a new conversion provider client.
func NewClient(httpClient *http.Client, baseURL, apiKey, secret string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey, secret: secret}
}

// GetRate fetches the current quote for a crypto/fiat pair.
func (c *Client) GetRate(ctx context.Context, cryptoCurrency, fiatCurrency string) (Rate, error) {
	path := "/v1/rates?from=" + url.QueryEscape(cryptoCurrency) + "&to=" + url.QueryEscape(fiatCurrency)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Rate{}, err
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Rate{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Rate{}, fmt.Errorf("fx: unexpected status %s", resp.Status)
	}
	var rate Rate
	if err := json.NewDecoder(resp.Body).Decode(&rate); err != nil {
		return Rate{}, err
	}
	if rate.Rate <= 0 {
		return Rate{}, fmt.Errorf("fx: non-positive rate for %s/%s", cryptoCurrency, fiatCurrency)
	}
	return rate, nil
}

// History returns the hourly rate history for a pair, newest last.
func (c *Client) History(ctx context.Context, cryptoCurrency, fiatCurrency string, periods int) ([]float64, error) {
	path := "/v1/rates/history?from=" + url.QueryEscape(cryptoCurrency) + "&to=" + url.QueryEscape(fiatCurrency) +
		"&periods=" + strconv.Itoa(periods)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fx: unexpected status %s", resp.Status)
	}
	var payload struct {
		Rates []float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Rates, nil
}

// ExecuteConversion performs a crypto-to-fiat conversion. The request body is
// HMAC-signed; the provider rejects unsigned execution calls.
func (c *Client) ExecuteConversion(ctx context.Context, req ConversionRequest) (ConversionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ConversionResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/conversions", bytes.NewReader(body))
	if err != nil {
		return ConversionResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("X-Signature", c.sign(body))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ConversionResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return ConversionResult{}, fmt.Errorf("fx: unexpected status %s", resp.Status)
	}
	var result ConversionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ConversionResult{}, err
	}
	if result.ConversionID == "" {
		return ConversionResult{}, fmt.Errorf("fx: conversion executed without reference")
	}
	return result, nil
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
