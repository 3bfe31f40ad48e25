package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/fsm"
	"pesabridge/internal/payments/fx"
	"pesabridge/internal/payments/lightning"
	"pesabridge/internal/payments/monitor"
	"pesabridge/internal/payments/risk"
	"pesabridge/internal/payments/settle"
	"pesabridge/internal/payments/timeutil"
	"pesabridge/internal/payments/ws"
)

// Logger is a minimal logger interface required by the service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// InvoiceStore is the invoice slice of the repository layer.
type InvoiceStore interface {
	Create(ctx context.Context, inv models.Invoice) error
	Get(ctx context.Context, id string) (models.Invoice, error)
	SetPaymentTarget(ctx context.Context, id, paymentCurrency, address string, cryptoAmount float64, paymentRequest, paymentHash string) (bool, error)
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) error
	ListOpen(ctx context.Context) ([]models.Invoice, error)
	ListExpiredDue(ctx context.Context, now time.Time) ([]models.Invoice, error)
}

// TransactionStore is the transaction slice of the repository layer.
type TransactionStore interface {
	Create(ctx context.Context, t models.Transaction) (int64, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]models.Transaction, error)
	ListDueConversions(ctx context.Context, now time.Time) ([]models.Transaction, error)
	Analytics(ctx context.Context, merchantID int64, since time.Time) ([]models.CurrencyBreakdown, error)
}

// MerchantStore loads merchant identity.
type MerchantStore interface {
	Get(ctx context.Context, id int64) (models.Merchant, error)
}

// RiskGate assesses fraud risk before invoice creation.
type RiskGate interface {
	Assess(ctx context.Context, req risk.Request) (models.RiskAssessment, error)
}

// AddressSource allocates receiving addresses.
type AddressSource interface {
	GenerateAddress(ctx context.Context, currency string) (string, error)
}

// LightningNode creates node invoices for Lightning payment targets.
type LightningNode interface {
	CreateInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int) (lightning.Invoice, error)
}

// RateQuoter quotes crypto amounts for fiat invoice totals.
type RateQuoter interface {
	GetRate(ctx context.Context, cryptoCurrency, fiatCurrency string) (fx.Rate, error)
}

// PaymentMonitor polls a payment target once.
type PaymentMonitor interface {
	Check(ctx context.Context, inv models.Invoice) (monitor.Result, error)
}

// DoubleSpendGate guards the gap between observed and releasable funds.
type DoubleSpendGate interface {
	StartMonitoring(ctx context.Context, txHash, invoiceID string, expectedAmount float64, address, currency string) error
	Evaluate(ctx context.Context, txHash string) ([]models.Alert, error)
	GetStatus(ctx context.Context, txHash string) (models.DoubleSpendRecord, error)
}

// SettlementRouter moves money once an invoice is paid.
type SettlementRouter interface {
	Settle(ctx context.Context, inv models.Invoice, m models.Merchant, cryptoAmount float64, cryptoCurrency string) (settle.Outcome, error)
	SettleDeferred(ctx context.Context, t models.Transaction, inv models.Invoice, m models.Merchant) (settle.Outcome, error)
}

// EventSink pushes real-time events to merchants. The hub satisfies this.
type EventSink interface {
	PushEvent(merchantID int64, event ws.MerchantEvent)
}

// PushNotifier sends mobile pushes. Nil-safe implementations return nil.
type PushNotifier interface {
	InvoicePaid(ctx context.Context, token, invoiceID string, amount float64, currency string) error
	SettlementCompleted(ctx context.Context, token, invoiceID string, net float64, currency string) error
}

// CreateInvoiceRequest carries everything needed to open an invoice.
type CreateInvoiceRequest struct {
	MerchantID    int64
	Amount        float64
	Currency      string
	Description   string
	CustomerEmail string
	CustomerName  string
	Preference    models.SettlementPreference

	// Risk metadata from the storefront, all optional.
	IP        string
	UserAgent string
	Location  string
	DeviceID  string
}

// PaymentTarget is the customer-facing payment instruction.
type PaymentTarget struct {
	Currency       string  `json:"currency"`
	Address        string  `json:"address,omitempty"`
	CryptoAmount   float64 `json:"crypto_amount,omitempty"`
	PaymentRequest string  `json:"payment_request,omitempty"`
	PaymentHash    string  `json:"payment_hash,omitempty"`
}

// Service orchestrates the invoice lifecycle from creation through
// settlement. It owns all invoice state transitions; the monitor, gates and
// router never mutate invoices themselves.
type Service struct {
	invoices  InvoiceStore
	txs       TransactionStore
	merchants MerchantStore
	riskGate  RiskGate
	chain     AddressSource
	ln        LightningNode
	quoter    RateQuoter
	monitor   PaymentMonitor
	dsGate    DoubleSpendGate
	router    SettlementRouter
	registry  *monitor.Registry
	events    EventSink
	pushes    PushNotifier
	logger    Logger

	invoiceTTL   time.Duration
	riskFailOpen bool
}

// Deps bundles the service's collaborators.
type Deps struct {
	Invoices  InvoiceStore
	Txs       TransactionStore
	Merchants MerchantStore
	RiskGate  RiskGate
	Chain     AddressSource
	Lightning LightningNode
	Quoter    RateQuoter
	Monitor   PaymentMonitor
	DSGate    DoubleSpendGate
	Router    SettlementRouter
	Registry  *monitor.Registry
	Events    EventSink
	Pushes    PushNotifier
	Logger    Logger

	InvoiceTTL   time.Duration
	RiskFailOpen bool
}

// NewService constructs the orchestrator.
func NewService(d Deps) *Service {
	ttl := d.InvoiceTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		invoices:     d.Invoices,
		txs:          d.Txs,
		merchants:    d.Merchants,
		riskGate:     d.RiskGate,
		chain:        d.Chain,
		ln:           d.Lightning,
		quoter:       d.Quoter,
		monitor:      d.Monitor,
		dsGate:       d.DSGate,
		router:       d.Router,
		registry:     d.Registry,
		events:       d.Events,
		pushes:       d.Pushes,
		logger:       d.Logger,
		invoiceTTL:   ttl,
		riskFailOpen: d.RiskFailOpen,
	}
}

// CreateInvoice runs the risk gate and opens a new invoice. A blocking
// verdict rejects the request; a review verdict opens the invoice in
// pending_review so payment detection still runs while an operator looks.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (models.Invoice, models.RiskAssessment, error) {
	if req.Amount <= 0 {
		return models.Invoice{}, models.RiskAssessment{}, fmt.Errorf("orchestrator: non-positive amount %.2f", req.Amount)
	}
	m, err := s.merchants.Get(ctx, req.MerchantID)
	if err != nil {
		return models.Invoice{}, models.RiskAssessment{}, err
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = m.FiatCurrency
	}
	preference := req.Preference
	if preference == "" {
		preference = m.Preference
	}
	if !preference.Valid() {
		return models.Invoice{}, models.RiskAssessment{}, fmt.Errorf("orchestrator: invalid settlement preference %q", preference)
	}

	assessment, err := s.riskGate.Assess(ctx, risk.Request{
		MerchantID:    req.MerchantID,
		Amount:        req.Amount,
		Currency:      currency,
		CustomerEmail: req.CustomerEmail,
		IP:            req.IP,
		UserAgent:     req.UserAgent,
		Location:      req.Location,
		DeviceID:      req.DeviceID,
		Timestamp:     time.Now(),
	})
	if err != nil {
		if !s.riskFailOpen {
			return models.Invoice{}, models.RiskAssessment{}, fmt.Errorf("orchestrator: risk assessment: %w", err)
		}
		s.logger.Errorf("orchestrator: risk assessment unavailable, failing open: %v", err)
		assessment = models.RiskAssessment{Level: risk.LevelLow}
	}
	if assessment.BlockTransaction {
		return models.Invoice{}, assessment, models.ErrRiskBlocked
	}

	status := fsm.StatusPending
	if assessment.RequiresManualReview {
		status = fsm.StatusPendingReview
	}

	now := timeutil.Now()
	inv := models.Invoice{
		ID:            uuid.New().String(),
		MerchantID:    req.MerchantID,
		Amount:        req.Amount,
		Currency:      currency,
		Description:   req.Description,
		CustomerEmail: sql.NullString{String: req.CustomerEmail, Valid: req.CustomerEmail != ""},
		CustomerName:  sql.NullString{String: req.CustomerName, Valid: req.CustomerName != ""},
		Preference:    preference,
		Status:        status,
		RiskScore:     sql.NullInt64{Int64: int64(assessment.Score), Valid: true},
		RiskLevel:     sql.NullString{String: assessment.Level, Valid: assessment.Level != ""},
		RiskReasons:   sql.NullString{String: strings.Join(assessment.Reasons, "; "), Valid: len(assessment.Reasons) > 0},
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.invoiceTTL),
		UpdatedAt:     now,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return models.Invoice{}, assessment, err
	}
	s.logger.Infof("orchestrator: invoice %s created for merchant %d (%.2f %s, risk %d/%s)",
		inv.ID, inv.MerchantID, inv.Amount, inv.Currency, assessment.Score, assessment.Level)
	return inv, assessment, nil
}

// GeneratePaymentTarget allocates the payment target for an invoice exactly
// once and starts the payment monitor. Repeat calls return the existing
// target regardless of the requested currency.
func (s *Service) GeneratePaymentTarget(ctx context.Context, invoiceID, paymentCurrency string) (PaymentTarget, error) {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return PaymentTarget{}, err
	}
	if inv.PaymentCurrency.Valid {
		return targetFrom(inv), nil
	}
	if inv.Status != fsm.StatusPending && inv.Status != fsm.StatusPendingReview {
		return PaymentTarget{}, models.ErrInvoiceNotPayable
	}

	currency := strings.ToUpper(paymentCurrency)
	var (
		address, paymentRequest, paymentHash string
		cryptoAmount                         float64
	)
	if currency == "LIGHTNING" {
		rate, err := s.quoter.GetRate(ctx, "BTC", inv.Currency)
		if err != nil {
			return PaymentTarget{}, fmt.Errorf("orchestrator: quote for invoice %s: %w", invoiceID, err)
		}
		btc := inv.Amount / rate.Rate
		amountMsat := int64(btc * 1e11)
		expiry := int(time.Until(inv.ExpiresAt).Seconds())
		if expiry <= 0 {
			return PaymentTarget{}, models.ErrInvoiceNotPayable
		}
		nodeInv, err := s.ln.CreateInvoice(ctx, amountMsat, "invoice "+inv.ID, expiry)
		if err != nil {
			return PaymentTarget{}, fmt.Errorf("orchestrator: lightning invoice for %s: %w", invoiceID, err)
		}
		cryptoAmount = btc
		paymentRequest = nodeInv.PaymentRequest
		paymentHash = nodeInv.PaymentHash
	} else {
		rate, err := s.quoter.GetRate(ctx, currency, inv.Currency)
		if err != nil {
			return PaymentTarget{}, fmt.Errorf("orchestrator: quote for invoice %s: %w", invoiceID, err)
		}
		cryptoAmount = inv.Amount / rate.Rate
		address, err = s.chain.GenerateAddress(ctx, currency)
		if err != nil {
			return PaymentTarget{}, fmt.Errorf("orchestrator: address for invoice %s: %w", invoiceID, err)
		}
	}

	claimed, err := s.invoices.SetPaymentTarget(ctx, invoiceID, currency, address, cryptoAmount, paymentRequest, paymentHash)
	if err != nil {
		return PaymentTarget{}, err
	}
	if !claimed {
		// Lost the race; the winner's target is authoritative.
		inv, err = s.invoices.Get(ctx, invoiceID)
		if err != nil {
			return PaymentTarget{}, err
		}
		return targetFrom(inv), nil
	}

	inv, err = s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return PaymentTarget{}, err
	}
	s.StartMonitoring(inv)
	return targetFrom(inv), nil
}

func targetFrom(inv models.Invoice) PaymentTarget {
	return PaymentTarget{
		Currency:       inv.PaymentCurrency.String,
		Address:        inv.PaymentAddress.String,
		CryptoAmount:   inv.CryptoAmount.Float64,
		PaymentRequest: inv.PaymentRequest.String,
		PaymentHash:    inv.PaymentHash.String,
	}
}

// StartMonitoring launches the polling loop for an invoice with a payment
// target. Safe to call repeatedly.
func (s *Service) StartMonitoring(inv models.Invoice) {
	if s.registry == nil || !inv.PaymentCurrency.Valid {
		return
	}
	id := inv.ID
	s.registry.Start(context.Background(), id, func(ctx context.Context) bool {
		return s.pollOnce(ctx, id)
	})
}

// pollOnce performs one monitoring pass. It returns true when the invoice has
// reached a state that needs no further polling.
func (s *Service) pollOnce(ctx context.Context, invoiceID string) bool {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		s.logger.Errorf("orchestrator: poll load invoice %s: %v", invoiceID, err)
		return errors.Is(err, models.ErrInvoiceNotFound)
	}
	if fsm.Terminal(inv.Status) {
		return true
	}
	if time.Now().After(inv.ExpiresAt) {
		s.expireInvoice(ctx, inv)
		return true
	}

	res, err := s.monitor.Check(ctx, inv)
	if err != nil {
		// Transient watcher failure; the invoice stays pending.
		s.logger.Errorf("orchestrator: poll invoice %s: %v", invoiceID, err)
		return false
	}
	if res.Expired {
		s.expireInvoice(ctx, inv)
		return true
	}
	if !res.Detected {
		return false
	}

	// A Lightning payment is final the moment the node reports it settled;
	// there is no chain transaction to double-spend, so the safety gate does
	// not apply and waiting for confirmations would strand the invoice.
	if inv.PaymentCurrency.String == "LIGHTNING" {
		s.events.PushEvent(inv.MerchantID, ws.MerchantEvent{
			Type:      ws.EventPaymentDetected,
			InvoiceID: inv.ID,
			TxHash:    res.TxHash,
			Amount:    res.Amount,
			Currency:  inv.PaymentCurrency.String,
		})
		if !res.Confirmed {
			return false
		}
		if err := s.processPayment(ctx, inv, res); err != nil {
			s.logger.Errorf("orchestrator: process payment for invoice %s: %v", inv.ID, err)
			return false
		}
		return true
	}

	if err := s.dsGate.StartMonitoring(ctx, res.TxHash, inv.ID, inv.CryptoAmount.Float64, inv.PaymentAddress.String, inv.PaymentCurrency.String); err != nil {
		s.logger.Errorf("orchestrator: register %s for double-spend watch: %v", res.TxHash, err)
		return false
	}
	if _, err := s.dsGate.Evaluate(ctx, res.TxHash); err != nil {
		s.logger.Errorf("orchestrator: evaluate %s: %v", res.TxHash, err)
		return false
	}
	rec, err := s.dsGate.GetStatus(ctx, res.TxHash)
	if err != nil {
		s.logger.Errorf("orchestrator: double-spend status for %s: %v", res.TxHash, err)
		return false
	}

	s.events.PushEvent(inv.MerchantID, ws.MerchantEvent{
		Type:          ws.EventPaymentDetected,
		InvoiceID:     inv.ID,
		TxHash:        res.TxHash,
		Confirmations: res.Confirmations,
		Amount:        res.Amount,
		Currency:      inv.PaymentCurrency.String,
	})

	if rec.Status == models.DSStatusDoubleSpent {
		s.logger.Errorf("orchestrator: invoice %s payment %s is a confirmed double spend", inv.ID, res.TxHash)
		return false
	}
	if !res.Confirmed || !rec.SafeToAccept {
		return false
	}
	if err := s.processPayment(ctx, inv, res); err != nil {
		s.logger.Errorf("orchestrator: process payment for invoice %s: %v", inv.ID, err)
		return false
	}
	return true
}

// processPayment records the payment, flips the invoice to paid exactly once
// and dispatches settlement. The payment row is written before the status
// transition: a failed write leaves the invoice pending so the next poll tick
// retries, instead of settling an invoice with no payment record. A lost
// transition race means another poller got there first; that is success.
func (s *Service) processPayment(ctx context.Context, inv models.Invoice, res monitor.Result) error {
	if err := s.ensurePaymentRecorded(ctx, inv, res); err != nil {
		return fmt.Errorf("orchestrator: record payment for invoice %s: %w", inv.ID, err)
	}
	if err := s.invoices.UpdateStatus(ctx, inv.ID, inv.Status, fsm.StatusPaid); err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			return nil
		}
		return err
	}

	m, err := s.merchants.Get(ctx, inv.MerchantID)
	if err != nil {
		return fmt.Errorf("orchestrator: load merchant %d: %w", inv.MerchantID, err)
	}

	s.events.PushEvent(inv.MerchantID, ws.MerchantEvent{
		Type:      ws.EventInvoicePaid,
		InvoiceID: inv.ID,
		Status:    fsm.StatusPaid,
		TxHash:    res.TxHash,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
	})
	if s.pushes != nil {
		if err := s.pushes.InvoicePaid(ctx, m.FCMToken.String, inv.ID, inv.Amount, inv.Currency); err != nil {
			s.logger.Errorf("orchestrator: push for invoice %s: %v", inv.ID, err)
		}
	}

	s.dispatchSettlement(ctx, inv, m, res.Amount)
	return nil
}

// ensurePaymentRecorded writes the payment transaction once. A retried poll
// after a failed status transition must not duplicate the row, so an existing
// record for the same transaction hash counts as done.
func (s *Service) ensurePaymentRecorded(ctx context.Context, inv models.Invoice, res monitor.Result) error {
	existing, err := s.txs.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.Kind == models.TxKindPayment && t.ExternalRef.String == res.TxHash {
			return nil
		}
	}
	_, err = s.txs.Create(ctx, models.Transaction{
		InvoiceID:      inv.ID,
		Kind:           models.TxKindPayment,
		CryptoCurrency: inv.PaymentCurrency.String,
		CryptoAmount:   res.Amount,
		FiatAmount:     inv.Amount,
		Confirmations:  res.Confirmations,
		ExternalRef:    sql.NullString{String: res.TxHash, Valid: res.TxHash != ""},
		Status:         models.TxStatusCompleted,
	})
	return err
}

// dispatchSettlement routes the paid invoice. A settlement failure never
// reverts the paid status; the failed settlement waits for an operator.
func (s *Service) dispatchSettlement(ctx context.Context, inv models.Invoice, m models.Merchant, cryptoAmount float64) {
	out, err := s.router.Settle(ctx, inv, m, cryptoAmount, inv.PaymentCurrency.String)
	if err != nil {
		if errors.Is(err, models.ErrSettlementInFlight) {
			return
		}
		s.events.PushEvent(inv.MerchantID, ws.MerchantEvent{
			Type:      ws.EventSettlementFailed,
			InvoiceID: inv.ID,
			Message:   "settlement failed, support has been notified",
		})
		return
	}
	if out.Deferred {
		s.logger.Infof("orchestrator: invoice %s settlement deferred until %s", inv.ID, out.ConvertAfter.Format(time.RFC3339))
		return
	}
	s.notifySettled(ctx, inv, m, out)
}

func (s *Service) notifySettled(ctx context.Context, inv models.Invoice, m models.Merchant, out settle.Outcome) {
	s.events.PushEvent(inv.MerchantID, ws.MerchantEvent{
		Type:      ws.EventSettlementCompleted,
		InvoiceID: inv.ID,
		Amount:    out.NetFiat,
		Currency:  m.FiatCurrency,
	})
	if s.pushes != nil {
		if err := s.pushes.SettlementCompleted(ctx, m.FCMToken.String, inv.ID, out.NetFiat, m.FiatCurrency); err != nil {
			s.logger.Errorf("orchestrator: settlement push for invoice %s: %v", inv.ID, err)
		}
	}
}

// GetStatus returns the invoice, lazily expiring it when the deadline has
// passed. The expiry transition is conditional, so concurrent readers race
// harmlessly.
func (s *Service) GetStatus(ctx context.Context, invoiceID string) (models.Invoice, error) {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return models.Invoice{}, err
	}
	if !fsm.Terminal(inv.Status) && time.Now().After(inv.ExpiresAt) {
		s.expireInvoice(ctx, inv)
		return s.invoices.Get(ctx, invoiceID)
	}
	return inv, nil
}

// ListTransactions returns the transaction history for an invoice.
func (s *Service) ListTransactions(ctx context.Context, invoiceID string) ([]models.Transaction, error) {
	return s.txs.ListByInvoice(ctx, invoiceID)
}

// Cancel cancels a still-payable invoice on behalf of its merchant.
func (s *Service) Cancel(ctx context.Context, invoiceID string, merchantID int64) error {
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.MerchantID != merchantID {
		return models.ErrInvoiceNotFound
	}
	if fsm.Terminal(inv.Status) {
		return models.ErrInvalidTransition
	}
	if err := s.invoices.UpdateStatus(ctx, invoiceID, inv.Status, fsm.StatusCancelled); err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			return models.ErrInvalidTransition
		}
		return err
	}
	if s.registry != nil {
		s.registry.Stop(invoiceID)
	}
	return nil
}

// ExpireDue sweeps invoices whose deadline passed without payment.
func (s *Service) ExpireDue(ctx context.Context) error {
	due, err := s.invoices.ListExpiredDue(ctx, timeutil.Now())
	if err != nil {
		return err
	}
	for _, inv := range due {
		s.expireInvoice(ctx, inv)
	}
	return nil
}

func (s *Service) expireInvoice(ctx context.Context, inv models.Invoice) {
	if err := s.invoices.UpdateStatus(ctx, inv.ID, inv.Status, fsm.StatusExpired); err != nil {
		if !errors.Is(err, models.ErrNoRecord) {
			s.logger.Errorf("orchestrator: expire invoice %s: %v", inv.ID, err)
		}
		return
	}
	if s.registry != nil {
		s.registry.Stop(inv.ID)
	}
	s.events.PushEvent(inv.MerchantID, ws.MerchantEvent{
		Type:      ws.EventInvoiceExpired,
		InvoiceID: inv.ID,
		Status:    fsm.StatusExpired,
	})
	s.logger.Infof("orchestrator: invoice %s expired", inv.ID)
}

// RunDeferredConversions executes deferred settlements whose conversion
// window has opened.
func (s *Service) RunDeferredConversions(ctx context.Context) error {
	due, err := s.txs.ListDueConversions(ctx, timeutil.Now())
	if err != nil {
		return err
	}
	for _, t := range due {
		inv, err := s.invoices.Get(ctx, t.InvoiceID)
		if err != nil {
			s.logger.Errorf("orchestrator: deferred settlement %d: load invoice %s: %v", t.ID, t.InvoiceID, err)
			continue
		}
		m, err := s.merchants.Get(ctx, inv.MerchantID)
		if err != nil {
			s.logger.Errorf("orchestrator: deferred settlement %d: load merchant %d: %v", t.ID, inv.MerchantID, err)
			continue
		}
		out, err := s.router.SettleDeferred(ctx, t, inv, m)
		if err != nil {
			if !errors.Is(err, models.ErrSettlementInFlight) {
				s.logger.Errorf("orchestrator: deferred settlement %d for invoice %s: %v", t.ID, inv.ID, err)
			}
			continue
		}
		s.notifySettled(ctx, inv, m, out)
	}
	return nil
}

// ResumeMonitors restarts polling loops for open invoices after a restart.
func (s *Service) ResumeMonitors(ctx context.Context) error {
	open, err := s.invoices.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, inv := range open {
		s.StartMonitoring(inv)
	}
	s.logger.Infof("orchestrator: resumed %d payment monitor(s)", len(open))
	return nil
}

// GetMerchantAnalytics aggregates completed settlements for 24h, 7d or 30d.
func (s *Service) GetMerchantAnalytics(ctx context.Context, merchantID int64, period string) (models.MerchantAnalytics, error) {
	var window time.Duration
	switch period {
	case "24h", "":
		period, window = "24h", 24*time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	default:
		return models.MerchantAnalytics{}, fmt.Errorf("orchestrator: unknown analytics period %q", period)
	}
	breakdown, err := s.txs.Analytics(ctx, merchantID, time.Now().Add(-window))
	if err != nil {
		return models.MerchantAnalytics{}, err
	}
	out := models.MerchantAnalytics{Period: period, ByCurrency: breakdown}
	for _, b := range breakdown {
		out.FiatTotal += b.FiatAmount
		out.TxCount += b.Count
	}
	return out, nil
}
