package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/fsm"
)

// InvoicesRepo provides access to the invoices table.
type InvoicesRepo struct {
	db *sql.DB
}

// NewInvoicesRepo constructs an InvoicesRepo.
func NewInvoicesRepo(db *sql.DB) *InvoicesRepo {
	return &InvoicesRepo{db: db}
}

const invoiceColumns = `id, merchant_id, amount, currency, description, customer_email, customer_name,
	settlement_preference, status, risk_score, risk_level, risk_reasons,
	payment_currency, payment_address, crypto_amount, payment_request, payment_hash,
	created_at, expires_at, updated_at`

// Create inserts a new invoice. Risk verdict fields are recorded at creation
// time and never change afterwards.
func (r *InvoicesRepo) Create(ctx context.Context, inv models.Invoice) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inv.ID, inv.MerchantID, inv.Amount, inv.Currency, inv.Description,
		inv.CustomerEmail, inv.CustomerName, string(inv.Preference), inv.Status,
		inv.RiskScore, inv.RiskLevel, inv.RiskReasons,
		inv.PaymentCurrency, inv.PaymentAddress, inv.CryptoAmount, inv.PaymentRequest, inv.PaymentHash,
		inv.CreatedAt, inv.ExpiresAt, inv.UpdatedAt)
	return err
}

// Get loads one invoice by ID.
func (r *InvoicesRepo) Get(ctx context.Context, id string) (models.Invoice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

// SetPaymentTarget records the generated payment target exactly once; a
// second call loses the conditional write and the caller re-reads the
// existing target.
func (r *InvoicesRepo) SetPaymentTarget(ctx context.Context, id, paymentCurrency, address string, cryptoAmount float64, paymentRequest, paymentHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices
		SET payment_currency = $1, payment_address = NULLIF($2, ''), crypto_amount = $3,
			payment_request = NULLIF($4, ''), payment_hash = NULLIF($5, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $6 AND payment_currency IS NULL`,
		paymentCurrency, address, cryptoAmount, paymentRequest, paymentHash, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// UpdateStatus applies a lifecycle transition with optimistic validation.
// A lost race surfaces as models.ErrNoRecord.
func (r *InvoicesRepo) UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) error {
	return fsm.Apply(ctx, r.db, id, fromStatus, toStatus)
}

// ListOpen returns invoices still awaiting payment, for monitor resumption.
func (r *InvoicesRepo) ListOpen(ctx context.Context) ([]models.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ($1, $2) AND payment_currency IS NOT NULL`,
		fsm.StatusPending, fsm.StatusPendingReview)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoices(rows)
}

// ListExpiredDue returns non-terminal invoices whose deadline has passed.
func (r *InvoicesRepo) ListExpiredDue(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ($1, $2) AND expires_at < $3`,
		fsm.StatusPending, fsm.StatusPendingReview, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func scanInvoices(rows *sql.Rows) ([]models.Invoice, error) {
	var out []models.Invoice
	for rows.Next() {
		inv, err := scanInvoiceFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row *sql.Row) (models.Invoice, error) {
	inv, err := scanInvoiceFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invoice{}, models.ErrInvoiceNotFound
	}
	return inv, err
}

func scanInvoiceFrom(row rowScanner) (models.Invoice, error) {
	var inv models.Invoice
	var preference string
	err := row.Scan(
		&inv.ID, &inv.MerchantID, &inv.Amount, &inv.Currency, &inv.Description,
		&inv.CustomerEmail, &inv.CustomerName, &preference, &inv.Status,
		&inv.RiskScore, &inv.RiskLevel, &inv.RiskReasons,
		&inv.PaymentCurrency, &inv.PaymentAddress, &inv.CryptoAmount, &inv.PaymentRequest, &inv.PaymentHash,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.UpdatedAt)
	if err != nil {
		return models.Invoice{}, err
	}
	inv.Preference = models.SettlementPreference(strings.TrimSpace(preference))
	return inv, nil
}
