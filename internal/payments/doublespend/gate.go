package doublespend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/chain"
)

// Alert types.
const (
	AlertMempoolConflict      = "mempool_conflict"
	AlertRapidSuccession      = "rapid_succession"
	AlertRBFSignaled          = "rbf_signaled"
	AlertRBFReplaced          = "rbf_replaced"
	AlertDeniedSource         = "denied_source_address"
	AlertLowFee               = "abnormally_low_fee"
	AlertFanOut               = "fan_out_outputs"
	AlertReorgExposure        = "reorg_exposure"
	AlertConfirmedDoubleSpend = "confirmed_double_spend"
)

const (
	mempoolConflictWindow = 5 * time.Minute
	rapidWindow           = 30 * time.Second
	rapidCount            = 3
	fanOutThreshold       = 5
)

// Minimum plausible network fees per currency; anything below is suspicious.
var minNetworkFee = map[string]float64{
	"BTC":  0.00001,
	"USDT": 1.0,
}

// Logger is a minimal logger interface required by the gate.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// IntelSource supplies chain intelligence for a monitored transaction.
type IntelSource interface {
	TransactionIntel(ctx context.Context, txHash string) (chain.TxIntel, error)
}

// DenySource answers source-address denylist lookups.
type DenySource interface {
	IsDeniedAddress(ctx context.Context, address string) (bool, error)
}

// Store persists double-spend records.
type Store interface {
	Upsert(ctx context.Context, rec models.DoubleSpendRecord) error
	Get(ctx context.Context, txHash string) (models.DoubleSpendRecord, error)
}

// Gate evaluates a confirmed-but-young payment transaction for conflicting
// spends and produces the safe-to-accept verdict the orchestrator consults
// before releasing funds.
type Gate struct {
	intel  IntelSource
	deny   DenySource
	store  Store
	logger Logger
}

// NewGate constructs the gate.
func NewGate(intel IntelSource, deny DenySource, store Store, logger Logger) *Gate {
	return &Gate{intel: intel, deny: deny, store: store, logger: logger}
}

// StartMonitoring registers a record for a freshly observed payment hash.
// Registering the same hash again is a no-op.
func (g *Gate) StartMonitoring(ctx context.Context, txHash, invoiceID string, expectedAmount float64, address, currency string) error {
	if _, err := g.store.Get(ctx, txHash); err == nil {
		return nil
	} else if err != models.ErrDoubleSpendNotFound {
		return err
	}
	now := time.Now()
	rec := models.DoubleSpendRecord{
		TxHash:         txHash,
		InvoiceID:      invoiceID,
		ExpectedAmount: expectedAmount,
		Address:        address,
		Currency:       currency,
		Status:         models.DSStatusPending,
		RiskLevel:      models.SeverityLow,
		SafeToAccept:   false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return g.store.Upsert(ctx, rec)
}

// Evaluate re-runs all checks for a monitored hash, persists the updated
// record and returns the alerts found.
func (g *Gate) Evaluate(ctx context.Context, txHash string) ([]models.Alert, error) {
	rec, err := g.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	intel, err := g.intel.TransactionIntel(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("doublespend: intel for %s: %w", txHash, err)
	}

	alerts := g.runChecks(ctx, rec, intel)

	rec.Confirmations = intel.Confirmations
	rec.Alerts = alerts
	rec.RiskLevel = overallRisk(alerts)
	rec.Status = recordStatus(alerts, intel.Confirmations)
	rec.SafeToAccept = SafeToAccept(alerts, intel.Confirmations)
	rec.UpdatedAt = time.Now()

	if err := g.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return alerts, nil
}

// GetStatus returns the current record without re-evaluating.
func (g *Gate) GetStatus(ctx context.Context, txHash string) (models.DoubleSpendRecord, error) {
	return g.store.Get(ctx, txHash)
}

func (g *Gate) runChecks(ctx context.Context, rec models.DoubleSpendRecord, intel chain.TxIntel) []models.Alert {
	now := time.Now()
	var alerts []models.Alert

	alerts = append(alerts, mempoolConflictAlerts(intel, now)...)
	alerts = append(alerts, rbfAlerts(intel, now)...)
	alerts = append(alerts, g.suspiciousPatternAlerts(ctx, rec, intel, now)...)
	alerts = append(alerts, reorgExposureAlerts(intel, now)...)

	if intel.ConfirmedConflict {
		alerts = append(alerts, models.Alert{
			Type:       AlertConfirmedDoubleSpend,
			Severity:   models.SeverityCritical,
			Confidence: 100,
			Evidence:   fmt.Sprintf("conflicting spend of %s confirmed on chain", rec.TxHash),
			CreatedAt:  now,
		})
	}
	return alerts
}

func mempoolConflictAlerts(intel chain.TxIntel, now time.Time) []models.Alert {
	var alerts []models.Alert
	recent := 0
	for _, tx := range intel.SameSourceUnconfirmed {
		if tx.TxHash == intel.TxHash {
			continue
		}
		if now.Sub(tx.FirstSeen) <= mempoolConflictWindow {
			recent++
		}
	}
	if recent > 0 {
		alerts = append(alerts, models.Alert{
			Type:       AlertMempoolConflict,
			Severity:   models.SeverityHigh,
			Confidence: 85,
			Evidence:   fmt.Sprintf("%d unconfirmed transaction(s) from %s within 5m", recent, intel.SourceAddress),
			CreatedAt:  now,
		})
	}

	if burstCount(intel.SameSourceUnconfirmed) >= rapidCount {
		alerts = append(alerts, models.Alert{
			Type:       AlertRapidSuccession,
			Severity:   models.SeverityMedium,
			Confidence: 70,
			Evidence:   fmt.Sprintf("3+ transactions from %s within 30s", intel.SourceAddress),
			CreatedAt:  now,
		})
	}
	return alerts
}

// burstCount finds the largest group of same-source transactions whose first
// sightings fall inside one 30 second span.
func burstCount(txs []chain.MempoolTx) int {
	if len(txs) < rapidCount {
		return len(txs)
	}
	times := make([]time.Time, 0, len(txs))
	for _, tx := range txs {
		times = append(times, tx.FirstSeen)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	best := 1
	start := 0
	for end := range times {
		for times[end].Sub(times[start]) > rapidWindow {
			start++
		}
		if n := end - start + 1; n > best {
			best = n
		}
	}
	return best
}

func rbfAlerts(intel chain.TxIntel, now time.Time) []models.Alert {
	var alerts []models.Alert
	if intel.RBFSignaled {
		alerts = append(alerts, models.Alert{
			Type:       AlertRBFSignaled,
			Severity:   models.SeverityMedium,
			Confidence: 80,
			Evidence:   "transaction signals replace-by-fee",
			CreatedAt:  now,
		})
	}
	if intel.ReplacedByTxHash != "" {
		alerts = append(alerts, models.Alert{
			Type:       AlertRBFReplaced,
			Severity:   models.SeverityHigh,
			Confidence: 90,
			Evidence:   fmt.Sprintf("replaced by %s", intel.ReplacedByTxHash),
			CreatedAt:  now,
		})
	}
	return alerts
}

func (g *Gate) suspiciousPatternAlerts(ctx context.Context, rec models.DoubleSpendRecord, intel chain.TxIntel, now time.Time) []models.Alert {
	var alerts []models.Alert

	if intel.SourceAddress != "" {
		denied, err := g.deny.IsDeniedAddress(ctx, intel.SourceAddress)
		if err != nil {
			g.logger.Errorf("doublespend: denylist lookup for %s: %v", intel.SourceAddress, err)
		} else if denied {
			alerts = append(alerts, models.Alert{
				Type:       AlertDeniedSource,
				Severity:   models.SeverityHigh,
				Confidence: 85,
				Evidence:   fmt.Sprintf("source address %s is denylisted", intel.SourceAddress),
				CreatedAt:  now,
			})
		}
	}

	if min, ok := minNetworkFee[rec.Currency]; ok && intel.NetworkFee > 0 && intel.NetworkFee < min {
		alerts = append(alerts, models.Alert{
			Type:       AlertLowFee,
			Severity:   models.SeverityMedium,
			Confidence: 65,
			Evidence:   fmt.Sprintf("network fee %.8f below %.8f", intel.NetworkFee, min),
			CreatedAt:  now,
		})
	}

	if intel.OutputCount > fanOutThreshold {
		alerts = append(alerts, models.Alert{
			Type:       AlertFanOut,
			Severity:   models.SeverityLow,
			Confidence: 50,
			Evidence:   fmt.Sprintf("%d outputs", intel.OutputCount),
			CreatedAt:  now,
		})
	}
	return alerts
}

func reorgExposureAlerts(intel chain.TxIntel, now time.Time) []models.Alert {
	if intel.Confirmations >= 6 {
		return nil
	}
	risk := 25 - intel.Confirmations*4
	if risk < 0 {
		risk = 0
	}
	if risk <= 10 {
		return nil
	}
	severity := models.SeverityLow
	if intel.Confirmations < 3 {
		severity = models.SeverityMedium
	}
	return []models.Alert{{
		Type:       AlertReorgExposure,
		Severity:   severity,
		Confidence: 60 + intel.Confirmations*10,
		Evidence:   fmt.Sprintf("reorg risk %d at %d confirmation(s)", risk, intel.Confirmations),
		CreatedAt:  now,
	}}
}

var severityRank = map[string]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

func overallRisk(alerts []models.Alert) string {
	highest := models.SeverityLow
	for _, a := range alerts {
		if severityRank[a.Severity] > severityRank[highest] {
			highest = a.Severity
		}
	}
	return highest
}

// SafeToAccept applies the trust ladder between "money observed" and "money
// releasable": critical alerts are never safe, high alerts need 3
// confirmations, medium alerts need 1, and a clean record is safe outright.
func SafeToAccept(alerts []models.Alert, confirmations int) bool {
	worst := ""
	for _, a := range alerts {
		if severityRank[a.Severity] > severityRank[worst] {
			worst = a.Severity
		}
	}
	switch worst {
	case models.SeverityCritical:
		return false
	case models.SeverityHigh:
		return confirmations >= 3
	case models.SeverityMedium:
		return confirmations >= 1
	}
	return true
}

// recordStatus derives the informational record status. Note the deliberate
// asymmetry with SafeToAccept: a record is "confirmed" from 1 confirmation
// onward even when the safety ladder still withholds acceptance.
func recordStatus(alerts []models.Alert, confirmations int) string {
	for _, a := range alerts {
		if a.Type == AlertConfirmedDoubleSpend {
			return models.DSStatusDoubleSpent
		}
	}
	for _, a := range alerts {
		if a.Severity == models.SeverityHigh || a.Severity == models.SeverityCritical {
			return models.DSStatusSuspicious
		}
	}
	if confirmations >= 1 {
		return models.DSStatusConfirmed
	}
	return models.DSStatusPending
}
