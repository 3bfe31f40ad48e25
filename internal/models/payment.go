package models

import (
	"database/sql"
	"time"
)

// SettlementPreference selects how a merchant receives funds once an invoice is paid.
type SettlementPreference string

const (
	SettleFiat         SettlementPreference = "fiat"
	SettleRetainCrypto SettlementPreference = "retain_crypto"
	SettleLightning    SettlementPreference = "lightning"
)

// Valid reports whether the preference is one of the known variants.
func (p SettlementPreference) Valid() bool {
	switch p {
	case SettleFiat, SettleRetainCrypto, SettleLightning:
		return true
	}
	return false
}

// Invoice is a merchant's fiat-denominated payment request.
type Invoice struct {
	ID              string               `json:"id"`
	MerchantID      int64                `json:"merchant_id"`
	Amount          float64              `json:"amount"`
	Currency        string               `json:"currency"`
	Description     string               `json:"description,omitempty"`
	CustomerEmail   sql.NullString       `json:"-"`
	CustomerName    sql.NullString       `json:"-"`
	Preference      SettlementPreference `json:"settlement_preference"`
	Status          string               `json:"status"`
	RiskScore       sql.NullInt64        `json:"-"`
	RiskLevel       sql.NullString       `json:"-"`
	RiskReasons     sql.NullString       `json:"-"`
	PaymentCurrency sql.NullString       `json:"-"`
	PaymentAddress  sql.NullString       `json:"-"`
	CryptoAmount    sql.NullFloat64      `json:"-"`
	PaymentRequest  sql.NullString       `json:"-"`
	PaymentHash     sql.NullString       `json:"-"`
	CreatedAt       time.Time            `json:"created_at"`
	ExpiresAt       time.Time            `json:"expires_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Transaction kinds.
const (
	TxKindPayment    = "payment"
	TxKindSettlement = "settlement"
)

// Transaction statuses.
const (
	TxStatusPending    = "pending"
	TxStatusProcessing = "processing"
	TxStatusCompleted  = "completed"
	TxStatusFailed     = "failed"
)

// Transaction records one payment or settlement attempt tied to an invoice.
type Transaction struct {
	ID             int64          `json:"id"`
	InvoiceID      string         `json:"invoice_id"`
	Kind           string         `json:"kind"`
	CryptoCurrency string         `json:"crypto_currency"`
	CryptoAmount   float64        `json:"crypto_amount"`
	FiatAmount     float64        `json:"fiat_amount"`
	ExchangeRate   float64        `json:"exchange_rate"`
	NetworkFee     float64        `json:"network_fee"`
	ProviderFee    float64        `json:"provider_fee"`
	ServiceFee     float64        `json:"service_fee"`
	Confirmations  int            `json:"confirmations"`
	ExternalRef    sql.NullString `json:"-"`
	Status         string         `json:"status"`
	FailureReason  sql.NullString `json:"-"`
	ConvertAfter   sql.NullTime   `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RiskFactors are the individual 0-100 component scores of an assessment.
type RiskFactors struct {
	Velocity   int `json:"velocity"`
	Amount     int `json:"amount"`
	Location   int `json:"location"`
	Behavior   int `json:"behavior"`
	Reputation int `json:"reputation"`
}

// RiskAssessment is the decision artifact produced before invoice creation.
type RiskAssessment struct {
	Score                int         `json:"score"`
	Level                string      `json:"level"`
	Factors              RiskFactors `json:"factors"`
	Reasons              []string    `json:"reasons,omitempty"`
	RequiresManualReview bool        `json:"requires_manual_review"`
	BlockTransaction     bool        `json:"block_transaction"`
}

// Alert severities, ordered.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is a single double-spend finding for a monitored transaction hash.
type Alert struct {
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Confidence int       `json:"confidence"`
	Evidence   string    `json:"evidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Double-spend record statuses. Status is informational: a record can be
// "confirmed" at 1 confirmation while the safety verdict still demands more.
const (
	DSStatusPending     = "pending"
	DSStatusSuspicious  = "suspicious"
	DSStatusDoubleSpent = "double_spent"
	DSStatusConfirmed   = "confirmed"
)

// DoubleSpendRecord tracks one monitored payment transaction hash.
type DoubleSpendRecord struct {
	TxHash         string    `json:"tx_hash"`
	InvoiceID      string    `json:"invoice_id"`
	ExpectedAmount float64   `json:"expected_amount"`
	Address        string    `json:"address"`
	Currency       string    `json:"currency"`
	Confirmations  int       `json:"confirmations"`
	Status         string    `json:"status"`
	RiskLevel      string    `json:"risk_level"`
	Alerts         []Alert   `json:"alerts"`
	SafeToAccept   bool      `json:"safe_to_accept"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Merchant holds payout and notification identity for an invoice issuer.
type Merchant struct {
	ID            int64                `json:"id"`
	Name          string               `json:"name"`
	Email         string               `json:"email"`
	FiatCurrency  string               `json:"fiat_currency"`
	PayoutPhone   string               `json:"payout_phone"`
	CryptoAddress sql.NullString       `json:"-"`
	Preference    SettlementPreference `json:"settlement_preference"`
	FCMToken      sql.NullString       `json:"-"`
	APIKeyHash    string               `json:"-"`
	CreatedAt     time.Time            `json:"created_at"`
}

// CurrencyBreakdown is one crypto currency slice of merchant analytics.
type CurrencyBreakdown struct {
	Currency     string  `json:"currency"`
	CryptoAmount float64 `json:"crypto_amount"`
	FiatAmount   float64 `json:"fiat_amount"`
	Count        int     `json:"count"`
}

// MerchantAnalytics aggregates completed transactions for a period.
type MerchantAnalytics struct {
	Period     string              `json:"period"`
	FiatTotal  float64             `json:"fiat_total"`
	TxCount    int                 `json:"tx_count"`
	ByCurrency []CurrencyBreakdown `json:"by_currency"`
}
