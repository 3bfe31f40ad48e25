package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/fsm"
	"pesabridge/internal/payments/fx"
	"pesabridge/internal/payments/lightning"
	"pesabridge/internal/payments/monitor"
	"pesabridge/internal/payments/risk"
	"pesabridge/internal/payments/settle"
	"pesabridge/internal/payments/ws"
)

type memInvoices struct {
	mu   sync.Mutex
	rows map[string]models.Invoice
}

func newMemInvoices() *memInvoices {
	return &memInvoices{rows: make(map[string]models.Invoice)}
}

func (m *memInvoices) Create(_ context.Context, inv models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[inv.ID] = inv
	return nil
}

func (m *memInvoices) Get(_ context.Context, id string) (models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return models.Invoice{}, models.ErrInvoiceNotFound
	}
	return inv, nil
}

func (m *memInvoices) SetPaymentTarget(_ context.Context, id, currency, address string, cryptoAmount float64, paymentRequest, paymentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok || inv.PaymentCurrency.Valid {
		return false, nil
	}
	inv.PaymentCurrency.String, inv.PaymentCurrency.Valid = currency, true
	inv.PaymentAddress.String, inv.PaymentAddress.Valid = address, address != ""
	inv.CryptoAmount.Float64, inv.CryptoAmount.Valid = cryptoAmount, true
	inv.PaymentRequest.String, inv.PaymentRequest.Valid = paymentRequest, paymentRequest != ""
	inv.PaymentHash.String, inv.PaymentHash.Valid = paymentHash, paymentHash != ""
	m.rows[id] = inv
	return true, nil
}

func (m *memInvoices) UpdateStatus(_ context.Context, id, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok || inv.Status != from || !fsm.CanTransition(from, to) {
		return models.ErrNoRecord
	}
	inv.Status = to
	m.rows[id] = inv
	return nil
}

func (m *memInvoices) ListOpen(context.Context) ([]models.Invoice, error) { return nil, nil }

func (m *memInvoices) ListExpiredDue(_ context.Context, now time.Time) ([]models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Invoice
	for _, inv := range m.rows {
		if !fsm.Terminal(inv.Status) && inv.ExpiresAt.Before(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

type memTxs struct {
	mu          sync.Mutex
	rows        []models.Transaction
	failCreates int
}

func (m *memTxs) Create(_ context.Context, t models.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreates > 0 {
		m.failCreates--
		return 0, errors.New("db down")
	}
	t.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, t)
	return t.ID, nil
}

func (m *memTxs) ListByInvoice(_ context.Context, invoiceID string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.rows {
		if t.InvoiceID == invoiceID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTxs) ListDueConversions(context.Context, time.Time) ([]models.Transaction, error) {
	return nil, nil
}

func (m *memTxs) Analytics(context.Context, int64, time.Time) ([]models.CurrencyBreakdown, error) {
	return nil, nil
}

type memMerchants struct{ m models.Merchant }

func (s *memMerchants) Get(_ context.Context, id int64) (models.Merchant, error) {
	if id != s.m.ID {
		return models.Merchant{}, models.ErrMerchantNotFound
	}
	return s.m, nil
}

type stubRisk struct {
	assessment models.RiskAssessment
	err        error
}

func (s *stubRisk) Assess(context.Context, risk.Request) (models.RiskAssessment, error) {
	return s.assessment, s.err
}

type stubChain struct {
	mu    sync.Mutex
	calls int
}

func (s *stubChain) GenerateAddress(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "bc1qaddr", nil
}

type stubNode struct{ calls int }

func (s *stubNode) CreateInvoice(context.Context, int64, string, int) (lightning.Invoice, error) {
	s.calls++
	return lightning.Invoice{PaymentRequest: "lnbc1req", PaymentHash: "lnhash"}, nil
}

type stubQuoter struct{ rate float64 }

func (s *stubQuoter) GetRate(context.Context, string, string) (fx.Rate, error) {
	return fx.Rate{Rate: s.rate}, nil
}

type stubMonitor struct {
	res monitor.Result
	err error
}

func (s *stubMonitor) Check(context.Context, models.Invoice) (monitor.Result, error) {
	return s.res, s.err
}

type stubDS struct {
	mu       sync.Mutex
	started  map[string]bool
	rec      models.DoubleSpendRecord
	evalErr  error
	startErr error
}

func newStubDS(safe bool) *stubDS {
	return &stubDS{
		started: make(map[string]bool),
		rec:     models.DoubleSpendRecord{Status: models.DSStatusConfirmed, SafeToAccept: safe},
	}
}

func (s *stubDS) StartMonitoring(_ context.Context, txHash, _ string, _ float64, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[txHash] = true
	return s.startErr
}

func (s *stubDS) Evaluate(context.Context, string) ([]models.Alert, error) {
	return s.rec.Alerts, s.evalErr
}

func (s *stubDS) GetStatus(context.Context, string) (models.DoubleSpendRecord, error) {
	return s.rec, nil
}

type stubRouter struct {
	mu      sync.Mutex
	settles int
	err     error
}

func (s *stubRouter) Settle(context.Context, models.Invoice, models.Merchant, float64, string) (settle.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return settle.Outcome{}, s.err
	}
	s.settles++
	if s.settles > 1 {
		return settle.Outcome{}, models.ErrSettlementInFlight
	}
	return settle.Outcome{TransactionID: 1, NetFiat: 52820.625}, nil
}

func (s *stubRouter) SettleDeferred(context.Context, models.Transaction, models.Invoice, models.Merchant) (settle.Outcome, error) {
	return settle.Outcome{}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []ws.MerchantEvent
}

func (e *eventLog) PushEvent(_ int64, event ws.MerchantEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type fixture struct {
	svc      *Service
	invoices *memInvoices
	txs      *memTxs
	chain    *stubChain
	node     *stubNode
	monitor  *stubMonitor
	ds       *stubDS
	router   *stubRouter
	events   *eventLog
}

func newFixture(riskGate RiskGate, failOpen bool) *fixture {
	f := &fixture{
		invoices: newMemInvoices(),
		txs:      &memTxs{},
		chain:    &stubChain{},
		node:     &stubNode{},
		monitor:  &stubMonitor{},
		ds:       newStubDS(true),
		router:   &stubRouter{},
		events:   &eventLog{},
	}
	f.svc = NewService(Deps{
		Invoices:  f.invoices,
		Txs:       f.txs,
		Merchants: &memMerchants{m: models.Merchant{ID: 7, FiatCurrency: "KES", PayoutPhone: "254700000001", Preference: models.SettleFiat}},
		RiskGate:  riskGate,
		Chain:     f.chain,
		Lightning: f.node,
		Quoter:    &stubQuoter{rate: 5_500_000},
		Monitor:   f.monitor,
		DSGate:    f.ds,
		Router:    f.router,
		Events:    f.events,
		Logger:    nopLogger{},

		InvoiceTTL:   30 * time.Minute,
		RiskFailOpen: failOpen,
	})
	return f
}

func lowRisk() *stubRisk {
	return &stubRisk{assessment: models.RiskAssessment{Score: 15, Level: risk.LevelLow}}
}

func TestCreateInvoiceNoMetadataOpensPending(t *testing.T) {
	f := newFixture(lowRisk(), false)

	inv, assessment, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MerchantID: 7, Amount: 100, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.Status != fsm.StatusPending {
		t.Fatalf("status = %s, want pending", inv.Status)
	}
	if assessment.Level != risk.LevelLow {
		t.Fatalf("level = %s, want low", assessment.Level)
	}
	if inv.Preference != models.SettleFiat {
		t.Fatalf("preference = %s, want merchant default fiat", inv.Preference)
	}
}

func TestCreateInvoiceReviewVerdictOpensPendingReview(t *testing.T) {
	gate := &stubRisk{assessment: models.RiskAssessment{
		Score: 78, Level: risk.LevelHigh, RequiresManualReview: true,
	}}
	f := newFixture(gate, false)

	inv, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 100})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.Status != fsm.StatusPendingReview {
		t.Fatalf("status = %s, want pending_review", inv.Status)
	}
}

func TestCreateInvoiceBlockedByRisk(t *testing.T) {
	gate := &stubRisk{assessment: models.RiskAssessment{
		Score: 92, Level: risk.LevelCritical, BlockTransaction: true,
	}}
	f := newFixture(gate, false)

	_, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 100})
	if !errors.Is(err, models.ErrRiskBlocked) {
		t.Fatalf("err = %v, want ErrRiskBlocked", err)
	}
}

func TestCreateInvoiceRiskOutageFailOpen(t *testing.T) {
	gate := &stubRisk{err: errors.New("redis down")}

	f := newFixture(gate, true)
	inv, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 100})
	if err != nil {
		t.Fatalf("fail-open CreateInvoice: %v", err)
	}
	if inv.Status != fsm.StatusPending {
		t.Fatalf("status = %s, want pending", inv.Status)
	}

	f = newFixture(gate, false)
	if _, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 100}); err == nil {
		t.Fatal("fail-closed CreateInvoice should reject on risk outage")
	}
}

func TestGeneratePaymentTargetIsIdempotent(t *testing.T) {
	f := newFixture(lowRisk(), false)
	inv, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 55000, Currency: "KES"})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	first, err := f.svc.GeneratePaymentTarget(context.Background(), inv.ID, "BTC")
	if err != nil {
		t.Fatalf("GeneratePaymentTarget: %v", err)
	}
	if first.Address != "bc1qaddr" || first.CryptoAmount != 0.01 {
		t.Fatalf("target = %+v, want bc1qaddr / 0.01 BTC", first)
	}

	second, err := f.svc.GeneratePaymentTarget(context.Background(), inv.ID, "USDT")
	if err != nil {
		t.Fatalf("second GeneratePaymentTarget: %v", err)
	}
	if second != first {
		t.Fatalf("second target %+v differs from first %+v", second, first)
	}
	if f.chain.calls != 1 {
		t.Fatalf("address allocations = %d, want 1", f.chain.calls)
	}
}

func TestGenerateLightningTarget(t *testing.T) {
	f := newFixture(lowRisk(), false)
	inv, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 55000, Currency: "KES"})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	target, err := f.svc.GeneratePaymentTarget(context.Background(), inv.ID, "LIGHTNING")
	if err != nil {
		t.Fatalf("GeneratePaymentTarget: %v", err)
	}
	if target.PaymentRequest != "lnbc1req" || target.PaymentHash != "lnhash" {
		t.Fatalf("target = %+v, want lightning invoice fields", target)
	}
	if target.Address != "" {
		t.Fatal("lightning target must not carry a chain address")
	}
	if f.node.calls != 1 {
		t.Fatalf("node invoices = %d, want 1", f.node.calls)
	}
}

func paidSetup(t *testing.T, safe bool) (*fixture, models.Invoice) {
	t.Helper()
	f := newFixture(lowRisk(), false)
	f.ds = newStubDS(safe)
	f.svc.dsGate = f.ds

	inv, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 55000, Currency: "KES"})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := f.svc.GeneratePaymentTarget(context.Background(), inv.ID, "BTC"); err != nil {
		t.Fatalf("GeneratePaymentTarget: %v", err)
	}
	return f, inv
}

func TestPollUnconfirmedPaymentStaysPending(t *testing.T) {
	f, inv := paidSetup(t, true)
	f.monitor.res = monitor.Result{Detected: true, TxHash: "tx1", Amount: 0.01, Confirmations: 0, Confirmed: false}

	if done := f.svc.pollOnce(context.Background(), inv.ID); done {
		t.Fatal("unconfirmed payment must keep the poll loop alive")
	}
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusPending {
		t.Fatalf("status = %s, want pending at 0 confirmations", got.Status)
	}
	if f.events.count(ws.EventPaymentDetected) != 1 {
		t.Fatal("detection event should still be pushed")
	}
	if !f.ds.started["tx1"] {
		t.Fatal("double-spend monitoring should start at first sight")
	}
}

func TestPollConfirmedSafePaymentPaysAndSettles(t *testing.T) {
	f, inv := paidSetup(t, true)
	f.monitor.res = monitor.Result{Detected: true, TxHash: "tx1", Amount: 0.01, Confirmations: 1, Confirmed: true}

	if done := f.svc.pollOnce(context.Background(), inv.ID); !done {
		t.Fatal("confirmed safe payment should finish the loop")
	}
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if f.router.settles != 1 {
		t.Fatalf("settlements = %d, want 1", f.router.settles)
	}
	txs, _ := f.txs.ListByInvoice(context.Background(), inv.ID)
	if len(txs) != 1 || txs[0].Kind != models.TxKindPayment {
		t.Fatalf("transactions = %+v, want one payment record", txs)
	}

	// A second poll re-runs against a terminal invoice and must not pay or
	// settle again.
	if done := f.svc.pollOnce(context.Background(), inv.ID); !done {
		t.Fatal("poll of a paid invoice should report done")
	}
	if f.router.settles != 1 {
		t.Fatalf("settlements after re-poll = %d, want still 1", f.router.settles)
	}
}

func TestPollLightningPaymentIsFinalWithoutChainChecks(t *testing.T) {
	// The safety stub would withhold acceptance if it were consulted; a
	// settled node invoice must pay out anyway, at zero confirmations.
	f := newFixture(lowRisk(), false)
	f.ds = newStubDS(false)
	f.svc.dsGate = f.ds

	inv, _, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{MerchantID: 7, Amount: 55000, Currency: "KES"})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := f.svc.GeneratePaymentTarget(context.Background(), inv.ID, "LIGHTNING"); err != nil {
		t.Fatalf("GeneratePaymentTarget: %v", err)
	}
	f.monitor.res = monitor.Result{Detected: true, TxHash: "lnhash", Amount: 0.01, Confirmations: 0, Confirmed: true}

	if done := f.svc.pollOnce(context.Background(), inv.ID); !done {
		t.Fatal("settled node invoice should finish the loop")
	}
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if f.router.settles != 1 {
		t.Fatalf("settlements = %d, want 1", f.router.settles)
	}
	if len(f.ds.started) != 0 {
		t.Fatalf("chain double-spend monitoring started for %v, want none", f.ds.started)
	}
	if f.events.count(ws.EventPaymentDetected) != 1 {
		t.Fatal("detection event should be pushed")
	}
}

func TestPollPaymentRecordFailureRetriesBeforePaying(t *testing.T) {
	f, inv := paidSetup(t, true)
	f.txs.failCreates = 1
	f.monitor.res = monitor.Result{Detected: true, TxHash: "tx1", Amount: 0.01, Confirmations: 1, Confirmed: true}

	// The payment row write fails: the invoice must stay pending and nothing
	// may settle, so the next tick retries the whole step.
	if done := f.svc.pollOnce(context.Background(), inv.ID); done {
		t.Fatal("failed payment write must keep the poll loop alive")
	}
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusPending {
		t.Fatalf("status = %s, want pending after failed write", got.Status)
	}
	if f.router.settles != 0 {
		t.Fatal("no settlement may run without a recorded payment")
	}

	if done := f.svc.pollOnce(context.Background(), inv.ID); !done {
		t.Fatal("retry should finish the loop")
	}
	got, _ = f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusPaid {
		t.Fatalf("status = %s, want paid after retry", got.Status)
	}
	if f.router.settles != 1 {
		t.Fatalf("settlements = %d, want 1", f.router.settles)
	}
	txs, _ := f.txs.ListByInvoice(context.Background(), inv.ID)
	if len(txs) != 1 || txs[0].Kind != models.TxKindPayment {
		t.Fatalf("transactions = %+v, want exactly one payment record", txs)
	}
}

func TestPollConfirmedButUnsafeWithholdsAcceptance(t *testing.T) {
	f, inv := paidSetup(t, false)
	f.monitor.res = monitor.Result{Detected: true, TxHash: "tx1", Amount: 0.01, Confirmations: 1, Confirmed: true}

	if done := f.svc.pollOnce(context.Background(), inv.ID); done {
		t.Fatal("unsafe payment must keep polling")
	}
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusPending {
		t.Fatalf("status = %s, want pending while unsafe", got.Status)
	}
	if f.router.settles != 0 {
		t.Fatal("no settlement may run while the safety gate withholds")
	}
}

func TestGetStatusLazilyExpires(t *testing.T) {
	f, inv := paidSetup(t, true)

	f.invoices.mu.Lock()
	row := f.invoices.rows[inv.ID]
	row.ExpiresAt = time.Now().Add(-time.Minute)
	f.invoices.rows[inv.ID] = row
	f.invoices.mu.Unlock()

	got, err := f.svc.GetStatus(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != fsm.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// Idempotent: a second read finds the invoice already terminal.
	again, err := f.svc.GetStatus(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("second GetStatus: %v", err)
	}
	if again.Status != fsm.StatusExpired {
		t.Fatalf("status = %s, want expired", again.Status)
	}
	if f.events.count(ws.EventInvoiceExpired) != 1 {
		t.Fatalf("expiry events = %d, want 1", f.events.count(ws.EventInvoiceExpired))
	}
}

func TestCancelOwnershipAndTerminalRules(t *testing.T) {
	f, inv := paidSetup(t, true)

	if err := f.svc.Cancel(context.Background(), inv.ID, 999); !errors.Is(err, models.ErrInvoiceNotFound) {
		t.Fatalf("foreign cancel err = %v, want ErrInvoiceNotFound", err)
	}
	if err := f.svc.Cancel(context.Background(), inv.ID, 7); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.svc.Cancel(context.Background(), inv.ID, 7); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancel of cancelled err = %v, want ErrInvalidTransition", err)
	}
}

func TestExpireDueSweep(t *testing.T) {
	f, inv := paidSetup(t, true)

	f.invoices.mu.Lock()
	row := f.invoices.rows[inv.ID]
	row.ExpiresAt = time.Now().Add(-time.Minute)
	f.invoices.rows[inv.ID] = row
	f.invoices.mu.Unlock()

	if err := f.svc.ExpireDue(context.Background()); err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Status != fsm.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}
