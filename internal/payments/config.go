package payments

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultServiceFeeRate    = 0.025
	defaultInvoiceTTL        = 30 * time.Minute
	defaultPollInterval      = 10 * time.Second
	defaultMaxConversionWait = 30 // minutes
	defaultExpirySweepTick   = time.Minute
	defaultConvertSweepTick  = time.Minute
)

// PaymentsConfig holds runtime configuration for the payments module.
type PaymentsConfig struct {
	ServiceFeeRate    float64
	InvoiceTTL        time.Duration
	PollInterval      time.Duration
	MaxConversionWait int
	ExpirySweepTick   time.Duration
	ConvertSweepTick  time.Duration
	RiskFailOpen      bool

	ChainAPIURL string
	ChainAPIKey string

	LightningAPIURL   string
	LightningMacaroon string

	FXAPIURL string
	FXAPIKey string
	FXSecret string

	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortcode      string
	MpesaCallbackURL    string
	MpesaWebhookSecret  string

	ReceiptsAccessKey string
	ReceiptsSecretKey string
	ReceiptsBucket    string
	ReceiptsRegion    string
	ReceiptsEndpoint  string

	JWTSigningKey string
}

// LoadPaymentsConfig reads configuration from environment variables and
// applies defaults.
func LoadPaymentsConfig() (PaymentsConfig, error) {
	cfg := PaymentsConfig{
		ServiceFeeRate:    defaultServiceFeeRate,
		InvoiceTTL:        defaultInvoiceTTL,
		PollInterval:      defaultPollInterval,
		MaxConversionWait: defaultMaxConversionWait,
		ExpirySweepTick:   defaultExpirySweepTick,
		ConvertSweepTick:  defaultConvertSweepTick,
		RiskFailOpen:      true,
	}

	if v := os.Getenv("SERVICE_FEE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return PaymentsConfig{}, fmt.Errorf("parse SERVICE_FEE_RATE: %w", err)
		}
		cfg.ServiceFeeRate = rate
	}
	if cfg.ServiceFeeRate < 0 || cfg.ServiceFeeRate >= 1 {
		return PaymentsConfig{}, fmt.Errorf("SERVICE_FEE_RATE must be in [0,1)")
	}

	if v := os.Getenv("INVOICE_TTL_MINUTES"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil {
			return PaymentsConfig{}, fmt.Errorf("parse INVOICE_TTL_MINUTES: %w", err)
		}
		cfg.InvoiceTTL = time.Duration(mins) * time.Minute
	}

	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return PaymentsConfig{}, fmt.Errorf("parse POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.PollInterval = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("MAX_CONVERSION_WAIT_MINUTES"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil {
			return PaymentsConfig{}, fmt.Errorf("parse MAX_CONVERSION_WAIT_MINUTES: %w", err)
		}
		cfg.MaxConversionWait = mins
	}

	if v := os.Getenv("RISK_FAIL_OPEN"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			return PaymentsConfig{}, fmt.Errorf("parse RISK_FAIL_OPEN: %w", err)
		}
		cfg.RiskFailOpen = open
	}

	cfg.ChainAPIURL = os.Getenv("CHAIN_API_URL")
	cfg.ChainAPIKey = os.Getenv("CHAIN_API_KEY")
	if cfg.ChainAPIURL == "" || cfg.ChainAPIKey == "" {
		return PaymentsConfig{}, fmt.Errorf("CHAIN_API configuration incomplete")
	}

	cfg.LightningAPIURL = os.Getenv("LIGHTNING_API_URL")
	cfg.LightningMacaroon = os.Getenv("LIGHTNING_MACAROON")
	if cfg.LightningAPIURL == "" || cfg.LightningMacaroon == "" {
		return PaymentsConfig{}, fmt.Errorf("LIGHTNING configuration incomplete")
	}

	cfg.FXAPIURL = os.Getenv("FX_API_URL")
	cfg.FXAPIKey = os.Getenv("FX_API_KEY")
	cfg.FXSecret = os.Getenv("FX_SECRET")
	if cfg.FXAPIURL == "" || cfg.FXAPIKey == "" || cfg.FXSecret == "" {
		return PaymentsConfig{}, fmt.Errorf("FX configuration incomplete")
	}

	cfg.MpesaBaseURL = os.Getenv("MPESA_BASE_URL")
	cfg.MpesaConsumerKey = os.Getenv("MPESA_CONSUMER_KEY")
	cfg.MpesaConsumerSecret = os.Getenv("MPESA_CONSUMER_SECRET")
	cfg.MpesaShortcode = os.Getenv("MPESA_SHORTCODE")
	cfg.MpesaCallbackURL = os.Getenv("MPESA_CALLBACK_URL")
	cfg.MpesaWebhookSecret = os.Getenv("MPESA_WEBHOOK_SECRET")
	if cfg.MpesaBaseURL == "" || cfg.MpesaConsumerKey == "" || cfg.MpesaConsumerSecret == "" || cfg.MpesaShortcode == "" {
		return PaymentsConfig{}, fmt.Errorf("MPESA configuration incomplete")
	}

	cfg.ReceiptsAccessKey = os.Getenv("RECEIPTS_S3_ACCESS_KEY")
	cfg.ReceiptsSecretKey = os.Getenv("RECEIPTS_S3_SECRET_KEY")
	cfg.ReceiptsBucket = os.Getenv("RECEIPTS_S3_BUCKET")
	cfg.ReceiptsRegion = os.Getenv("RECEIPTS_S3_REGION")
	cfg.ReceiptsEndpoint = os.Getenv("RECEIPTS_S3_ENDPOINT")

	cfg.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")
	if cfg.JWTSigningKey == "" {
		return PaymentsConfig{}, fmt.Errorf("JWT_SIGNING_KEY is required")
	}

	return cfg, nil
}
