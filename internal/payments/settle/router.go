package settle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/convert"
	"pesabridge/internal/payments/fx"
	"pesabridge/internal/payments/lightning"
	"pesabridge/internal/payments/payout"
)

// Logger is a minimal logger interface required by the router.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FXProvider quotes and executes crypto-to-fiat conversions.
type FXProvider interface {
	GetRate(ctx context.Context, cryptoCurrency, fiatCurrency string) (fx.Rate, error)
	ExecuteConversion(ctx context.Context, req fx.ConversionRequest) (fx.ConversionResult, error)
}

// PayoutRail disburses fiat to a merchant's mobile money account.
type PayoutRail interface {
	SendMoney(ctx context.Context, destination string, amount float64, reference, memo string) (payout.Result, error)
}

// LightningPayer pays a merchant's reusable payment request.
type LightningPayer interface {
	SendPayment(ctx context.Context, paymentRequest string) (lightning.Payment, error)
}

// Advisor recommends conversion timing. Its output is advice only and never
// blocks a settlement.
type Advisor interface {
	Optimize(ctx context.Context, amount float64, cryptoCurrency, fiatCurrency string, maxWaitMinutes int) (convert.Recommendation, error)
}

// Store is the settlement slice of the transactions repository.
type Store interface {
	ClaimSettlement(ctx context.Context, t models.Transaction) (int64, error)
	Complete(ctx context.Context, id int64, t models.Transaction) error
	Fail(ctx context.Context, id int64, reason string) error
	Defer(ctx context.Context, id int64, convertAfter time.Time) error
	ClaimDeferred(ctx context.Context, id int64) (bool, error)
}

// ReceiptArchiver stores a settlement receipt for audit. Archival failures are
// logged, never propagated; the settlement itself already succeeded.
type ReceiptArchiver interface {
	ArchiveReceipt(ctx context.Context, invoiceID string, settlementID int64, receipt any) (string, error)
}

// Receipt is the audit artifact archived after a completed settlement.
type Receipt struct {
	InvoiceID      string    `json:"invoice_id"`
	SettlementID   int64     `json:"settlement_id"`
	MerchantID     int64     `json:"merchant_id"`
	Preference     string    `json:"preference"`
	CryptoCurrency string    `json:"crypto_currency"`
	CryptoAmount   float64   `json:"crypto_amount"`
	ExchangeRate   float64   `json:"exchange_rate,omitempty"`
	GrossFiat      float64   `json:"gross_fiat,omitempty"`
	ProviderFee    float64   `json:"provider_fee,omitempty"`
	ServiceFee     float64   `json:"service_fee,omitempty"`
	NetFiat        float64   `json:"net_fiat,omitempty"`
	NetCrypto      float64   `json:"net_crypto,omitempty"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	SettledAt      time.Time `json:"settled_at"`
}

// Outcome describes what the router did with a paid invoice.
type Outcome struct {
	TransactionID int64
	Deferred      bool
	ConvertAfter  time.Time
	NetFiat       float64
	NetCrypto     float64
	ExternalRef   string
}

// Router moves money after an invoice is paid. Each invoice settles exactly
// once; the claim is a conditional insert, so two concurrent calls cannot both
// proceed. Money-moving calls are never retried: on failure the settlement is
// marked failed and reconciliation is manual.
type Router struct {
	fx       FXProvider
	rail     PayoutRail
	ln       LightningPayer
	advisor  Advisor
	store    Store
	archiver ReceiptArchiver
	logger   Logger

	serviceFeeRate float64
	maxWaitMinutes int
}

// NewRouter constructs a settlement router. advisor and archiver may be nil.
func NewRouter(fxp FXProvider, rail PayoutRail, ln LightningPayer, advisor Advisor, store Store, archiver ReceiptArchiver, logger Logger, serviceFeeRate float64, maxWaitMinutes int) *Router {
	return &Router{
		fx:             fxp,
		rail:           rail,
		ln:             ln,
		advisor:        advisor,
		store:          store,
		archiver:       archiver,
		logger:         logger,
		serviceFeeRate: serviceFeeRate,
		maxWaitMinutes: maxWaitMinutes,
	}
}

// Settle routes a paid invoice to the merchant's settlement preference.
// A second call for the same invoice returns models.ErrSettlementInFlight.
func (r *Router) Settle(ctx context.Context, inv models.Invoice, m models.Merchant, cryptoAmount float64, cryptoCurrency string) (Outcome, error) {
	id, err := r.store.ClaimSettlement(ctx, models.Transaction{
		InvoiceID:      inv.ID,
		Kind:           models.TxKindSettlement,
		CryptoCurrency: cryptoCurrency,
		CryptoAmount:   cryptoAmount,
	})
	if err != nil {
		return Outcome{}, err
	}

	switch inv.Preference {
	case models.SettleRetainCrypto:
		return r.settleRetain(ctx, id, inv, m, cryptoAmount, cryptoCurrency)
	case models.SettleLightning:
		return r.settleLightning(ctx, id, inv, m, cryptoAmount, cryptoCurrency)
	default:
		return r.settleFiat(ctx, id, inv, m, cryptoAmount, cryptoCurrency, true)
	}
}

// SettleDeferred executes a previously parked fiat settlement once its
// conversion window opens. The conditional claim makes the sweeper safe to
// run concurrently with itself.
func (r *Router) SettleDeferred(ctx context.Context, t models.Transaction, inv models.Invoice, m models.Merchant) (Outcome, error) {
	claimed, err := r.store.ClaimDeferred(ctx, t.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{}, models.ErrSettlementInFlight
	}
	return r.settleFiat(ctx, t.ID, inv, m, t.CryptoAmount, t.CryptoCurrency, false)
}

func (r *Router) settleFiat(ctx context.Context, id int64, inv models.Invoice, m models.Merchant, cryptoAmount float64, cryptoCurrency string, allowDefer bool) (Outcome, error) {
	if allowDefer && r.advisor != nil && r.maxWaitMinutes > 0 {
		rec, err := r.advisor.Optimize(ctx, cryptoAmount, cryptoCurrency, m.FiatCurrency, r.maxWaitMinutes)
		if err != nil {
			r.logger.Errorf("settle: timing advice for invoice %s: %v", inv.ID, err)
		} else if rec.WaitMinutes > 0 {
			convertAfter := time.Now().Add(time.Duration(rec.WaitMinutes) * time.Minute)
			if err := r.store.Defer(ctx, id, convertAfter); err != nil {
				return Outcome{}, fmt.Errorf("settle: defer invoice %s: %w", inv.ID, err)
			}
			r.logger.Infof("settle: invoice %s deferred %dm (trend %s, est. savings %.2f %s)",
				inv.ID, rec.WaitMinutes, rec.Trend, rec.EstimatedSavings, m.FiatCurrency)
			return Outcome{TransactionID: id, Deferred: true, ConvertAfter: convertAfter}, nil
		}
	}

	rate, err := r.fx.GetRate(ctx, cryptoCurrency, m.FiatCurrency)
	if err != nil {
		return Outcome{}, r.fail(ctx, id, inv.ID, fmt.Errorf("rate quote: %w", err))
	}

	gross := cryptoAmount * rate.Rate
	providerFee := gross * rate.Fee
	afterProvider := gross - providerFee
	serviceFee := afterProvider * r.serviceFeeRate
	net := afterProvider - serviceFee

	reference := fmt.Sprintf("settle-%d", id)
	conv, err := r.fx.ExecuteConversion(ctx, fx.ConversionRequest{
		Amount:         cryptoAmount,
		Currency:       cryptoCurrency,
		FiatCurrency:   m.FiatCurrency,
		Reference:      reference,
		PayoutIdentity: m.PayoutPhone,
	})
	if err != nil {
		return Outcome{}, r.fail(ctx, id, inv.ID, fmt.Errorf("conversion: %w", err))
	}

	pay, err := r.rail.SendMoney(ctx, m.PayoutPhone, net, reference, "pesabridge settlement "+inv.ID)
	if err != nil {
		return Outcome{}, r.fail(ctx, id, inv.ID, fmt.Errorf("payout after conversion %s: %w", conv.ConversionID, err))
	}

	externalRef := conv.ConversionID + "/" + pay.TransactionID
	if err := r.store.Complete(ctx, id, models.Transaction{
		FiatAmount:   net,
		ExchangeRate: rate.Rate,
		ProviderFee:  providerFee,
		ServiceFee:   serviceFee,
		ExternalRef:  sql.NullString{String: externalRef, Valid: true},
	}); err != nil {
		return Outcome{}, fmt.Errorf("settle: record completion for invoice %s: %w", inv.ID, err)
	}

	r.archive(ctx, Receipt{
		InvoiceID:      inv.ID,
		SettlementID:   id,
		MerchantID:     m.ID,
		Preference:     string(models.SettleFiat),
		CryptoCurrency: cryptoCurrency,
		CryptoAmount:   cryptoAmount,
		ExchangeRate:   rate.Rate,
		GrossFiat:      gross,
		ProviderFee:    providerFee,
		ServiceFee:     serviceFee,
		NetFiat:        net,
		ExternalRef:    externalRef,
		SettledAt:      time.Now(),
	})
	r.logger.Infof("settle: invoice %s paid out %.2f %s to %s", inv.ID, net, m.FiatCurrency, m.PayoutPhone)
	return Outcome{TransactionID: id, NetFiat: net, ExternalRef: externalRef}, nil
}

// settleRetain keeps the crypto in custody at the invoice's receiving address.
// The service fee is charged in crypto units on the retained amount; the
// current quote is recorded for reporting only.
func (r *Router) settleRetain(ctx context.Context, id int64, inv models.Invoice, m models.Merchant, cryptoAmount float64, cryptoCurrency string) (Outcome, error) {
	var rateValue float64
	if rate, err := r.fx.GetRate(ctx, cryptoCurrency, m.FiatCurrency); err != nil {
		r.logger.Errorf("settle: reporting quote for invoice %s: %v", inv.ID, err)
	} else {
		rateValue = rate.Rate
	}

	serviceFee := cryptoAmount * r.serviceFeeRate
	netCrypto := cryptoAmount - serviceFee

	custody := inv.PaymentAddress.String
	if err := r.store.Complete(ctx, id, models.Transaction{
		ExchangeRate: rateValue,
		ServiceFee:   serviceFee,
		ExternalRef:  sql.NullString{String: custody, Valid: custody != ""},
	}); err != nil {
		return Outcome{}, fmt.Errorf("settle: record retention for invoice %s: %w", inv.ID, err)
	}

	r.archive(ctx, Receipt{
		InvoiceID:      inv.ID,
		SettlementID:   id,
		MerchantID:     m.ID,
		Preference:     string(models.SettleRetainCrypto),
		CryptoCurrency: cryptoCurrency,
		CryptoAmount:   cryptoAmount,
		ExchangeRate:   rateValue,
		ServiceFee:     serviceFee,
		NetCrypto:      netCrypto,
		ExternalRef:    custody,
		SettledAt:      time.Now(),
	})
	r.logger.Infof("settle: invoice %s retains %.8f %s (fee %.8f)", inv.ID, netCrypto, cryptoCurrency, serviceFee)
	return Outcome{TransactionID: id, NetCrypto: netCrypto, ExternalRef: custody}, nil
}

// settleLightning pays the merchant's reusable payment request. The merchant's
// crypto address field holds the request for this preference.
func (r *Router) settleLightning(ctx context.Context, id int64, inv models.Invoice, m models.Merchant, cryptoAmount float64, cryptoCurrency string) (Outcome, error) {
	if !m.CryptoAddress.Valid || m.CryptoAddress.String == "" {
		return Outcome{}, r.fail(ctx, id, inv.ID, fmt.Errorf("merchant %d has no lightning payment request", m.ID))
	}
	pay, err := r.ln.SendPayment(ctx, m.CryptoAddress.String)
	if err != nil {
		return Outcome{}, r.fail(ctx, id, inv.ID, fmt.Errorf("lightning payout: %w", err))
	}

	if err := r.store.Complete(ctx, id, models.Transaction{
		ExternalRef: sql.NullString{String: pay.PaymentHash, Valid: pay.PaymentHash != ""},
	}); err != nil {
		return Outcome{}, fmt.Errorf("settle: record lightning payout for invoice %s: %w", inv.ID, err)
	}

	r.archive(ctx, Receipt{
		InvoiceID:      inv.ID,
		SettlementID:   id,
		MerchantID:     m.ID,
		Preference:     string(models.SettleLightning),
		CryptoCurrency: cryptoCurrency,
		CryptoAmount:   cryptoAmount,
		ExternalRef:    pay.PaymentHash,
		SettledAt:      time.Now(),
	})
	return Outcome{TransactionID: id, ExternalRef: pay.PaymentHash}, nil
}

// fail marks the settlement failed and returns the original error. There is
// deliberately no retry: a second money-moving attempt after an ambiguous
// failure risks double payout.
func (r *Router) fail(ctx context.Context, id int64, invoiceID string, cause error) error {
	if err := r.store.Fail(ctx, id, cause.Error()); err != nil {
		r.logger.Errorf("settle: mark settlement %d failed: %v", id, err)
	}
	r.logger.Errorf("settle: invoice %s settlement failed: %v", invoiceID, cause)
	return fmt.Errorf("settle: invoice %s: %w", invoiceID, cause)
}

func (r *Router) archive(ctx context.Context, receipt Receipt) {
	if r.archiver == nil {
		return
	}
	if _, err := r.archiver.ArchiveReceipt(ctx, receipt.InvoiceID, receipt.SettlementID, receipt); err != nil {
		r.logger.Errorf("settle: archive receipt for invoice %s: %v", receipt.InvoiceID, err)
	}
}
