package monitor

import (
	"context"
	"fmt"
	"strings"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/chain"
	"pesabridge/internal/payments/lightning"
)

// Confirmation minimums before a payment counts as final. Lightning settles
// atomically and needs none.
var minConfirmations = map[string]int{
	"BTC":       1,
	"USDT":      6,
	"LIGHTNING": 0,
}

// MinConfirmations returns the finality threshold for a payment currency.
// Unknown currencies get the conservative USDT threshold.
func MinConfirmations(currency string) int {
	if n, ok := minConfirmations[strings.ToUpper(currency)]; ok {
		return n
	}
	return 6
}

// Logger is a minimal logger interface required by the monitor.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ChainWatcher reports payments observed at a monitored address.
type ChainWatcher interface {
	WatchAddress(ctx context.Context, address string, expectedAmount float64, currency string) (chain.Observation, error)
}

// LightningSource reports the settlement state of a node invoice.
type LightningSource interface {
	GetInvoiceStatus(ctx context.Context, paymentHash string) (lightning.InvoiceStatus, error)
}

// Result is one poll of an invoice's payment target.
type Result struct {
	Detected      bool
	TxHash        string
	Amount        float64
	Confirmations int
	Confirmed     bool
	Expired       bool
}

// Monitor polls payment targets until the expected funds are final. It never
// mutates invoices; the orchestrator owns state transitions.
type Monitor struct {
	watcher ChainWatcher
	ln      LightningSource
	logger  Logger
}

// NewMonitor constructs a monitor.
func NewMonitor(watcher ChainWatcher, ln LightningSource, logger Logger) *Monitor {
	return &Monitor{watcher: watcher, ln: ln, logger: logger}
}

// Check performs one poll for the invoice's payment target. A watcher failure
// returns an error and the invoice simply stays pending until the next poll.
func (m *Monitor) Check(ctx context.Context, inv models.Invoice) (Result, error) {
	if !inv.PaymentCurrency.Valid {
		return Result{}, fmt.Errorf("monitor: invoice %s has no payment target", inv.ID)
	}
	currency := strings.ToUpper(inv.PaymentCurrency.String)
	if currency == "LIGHTNING" {
		return m.checkLightning(ctx, inv)
	}
	return m.checkChain(ctx, inv, currency)
}

func (m *Monitor) checkChain(ctx context.Context, inv models.Invoice, currency string) (Result, error) {
	obs, err := m.watcher.WatchAddress(ctx, inv.PaymentAddress.String, inv.CryptoAmount.Float64, currency)
	if err != nil {
		return Result{}, fmt.Errorf("monitor: watch %s for invoice %s: %w", inv.PaymentAddress.String, inv.ID, err)
	}
	if !obs.Observed {
		return Result{}, nil
	}
	if !amountSufficient(obs.Amount, inv.CryptoAmount.Float64) {
		m.logger.Infof("monitor: invoice %s underpaid, got %.8f want %.8f", inv.ID, obs.Amount, inv.CryptoAmount.Float64)
		return Result{}, nil
	}
	return Result{
		Detected:      true,
		TxHash:        obs.TxHash,
		Amount:        obs.Amount,
		Confirmations: obs.Confirmations,
		Confirmed:     obs.Confirmations >= MinConfirmations(currency),
	}, nil
}

func (m *Monitor) checkLightning(ctx context.Context, inv models.Invoice) (Result, error) {
	status, err := m.ln.GetInvoiceStatus(ctx, inv.PaymentHash.String)
	if err != nil {
		return Result{}, fmt.Errorf("monitor: lightning status for invoice %s: %w", inv.ID, err)
	}
	switch status.Status {
	case lightning.InvoiceStatusPaid:
		return Result{
			Detected:  true,
			TxHash:    inv.PaymentHash.String,
			Amount:    float64(status.AmountMsat) / 1000,
			Confirmed: true,
		}, nil
	case lightning.InvoiceStatusExpired:
		return Result{Expired: true}, nil
	}
	return Result{}, nil
}

// amountSufficient tolerates float representation noise but not underpayment.
func amountSufficient(got, want float64) bool {
	return got >= want-1e-9
}
