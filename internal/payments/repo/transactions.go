package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pesabridge/internal/models"
)

// TransactionsRepo provides access to the transactions table.
type TransactionsRepo struct {
	db *sql.DB
}

// NewTransactionsRepo constructs a TransactionsRepo.
func NewTransactionsRepo(db *sql.DB) *TransactionsRepo {
	return &TransactionsRepo{db: db}
}

const txColumns = `id, invoice_id, kind, crypto_currency, crypto_amount, fiat_amount, exchange_rate,
	network_fee, provider_fee, service_fee, confirmations, external_ref, status, failure_reason,
	convert_after, created_at, updated_at`

// Create inserts a transaction record and returns its ID.
func (r *TransactionsRepo) Create(ctx context.Context, t models.Transaction) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO transactions (invoice_id, kind, crypto_currency, crypto_amount, fiat_amount,
			exchange_rate, network_fee, provider_fee, service_fee, confirmations, external_ref,
			status, failure_reason, convert_after, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		RETURNING id`,
		t.InvoiceID, t.Kind, t.CryptoCurrency, t.CryptoAmount, t.FiatAmount,
		t.ExchangeRate, t.NetworkFee, t.ProviderFee, t.ServiceFee, t.Confirmations, t.ExternalRef,
		t.Status, t.FailureReason, t.ConvertAfter).Scan(&id)
	return id, err
}

// ClaimSettlement atomically creates the settlement transaction for an
// invoice unless a live one (deferred, processing or completed) already
// exists. The ON CONFLICT arbiter is the partial unique index
// transactions_live_settlement_uq (see migrations/001_schema.sql): two
// concurrent claimers cannot both insert even under READ COMMITTED, and the
// loser sees no returned row. A failed settlement stays outside the index
// predicate and remains re-claimable.
func (r *TransactionsRepo) ClaimSettlement(ctx context.Context, t models.Transaction) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO transactions (invoice_id, kind, crypto_currency, crypto_amount, fiat_amount,
			exchange_rate, network_fee, provider_fee, service_fee, confirmations, external_ref,
			status, convert_after, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (invoice_id)
			WHERE kind = 'settlement' AND status IN ('pending', 'processing', 'completed')
			DO NOTHING
		RETURNING id`,
		t.InvoiceID, models.TxKindSettlement, t.CryptoCurrency, t.CryptoAmount, t.FiatAmount,
		t.ExchangeRate, t.NetworkFee, t.ProviderFee, t.ServiceFee, t.Confirmations, t.ExternalRef,
		models.TxStatusProcessing, t.ConvertAfter).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrSettlementInFlight
	}
	return id, err
}

// Get loads one transaction.
func (r *TransactionsRepo) Get(ctx context.Context, id int64) (models.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, models.ErrTransactionNotFound
	}
	return t, err
}

// ListByInvoice returns all transactions for an invoice, oldest first.
func (r *TransactionsRepo) ListByInvoice(ctx context.Context, invoiceID string) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Complete finalises a settlement with its realized amounts and references.
func (r *TransactionsRepo) Complete(ctx context.Context, id int64, t models.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, fiat_amount = $2, exchange_rate = $3, provider_fee = $4, service_fee = $5,
			external_ref = $6, convert_after = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = $7`,
		models.TxStatusCompleted, t.FiatAmount, t.ExchangeRate, t.ProviderFee, t.ServiceFee,
		t.ExternalRef, id)
	return err
}

// Fail marks a settlement failed. There is no retry path; recovery is manual.
func (r *TransactionsRepo) Fail(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, failure_reason = $2, convert_after = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`,
		models.TxStatusFailed, reason, id)
	return err
}

// Defer parks a claimed settlement until the conversion window opens.
func (r *TransactionsRepo) Defer(ctx context.Context, id int64, convertAfter time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, convert_after = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`,
		models.TxStatusPending, convertAfter, id)
	return err
}

// ClaimDeferred re-activates one due deferred settlement; the conditional
// update keeps the sweeper from racing itself.
func (r *TransactionsRepo) ClaimDeferred(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status = $3 AND convert_after IS NOT NULL`,
		models.TxStatusProcessing, id, models.TxStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListDueConversions returns deferred settlements whose window has opened.
func (r *TransactionsRepo) ListDueConversions(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE kind = $1 AND status = $2 AND convert_after IS NOT NULL AND convert_after <= $3`,
		models.TxKindSettlement, models.TxStatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Analytics aggregates completed settlements for a merchant since a cutoff,
// broken out by crypto currency.
func (r *TransactionsRepo) Analytics(ctx context.Context, merchantID int64, since time.Time) ([]models.CurrencyBreakdown, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.crypto_currency, SUM(t.crypto_amount), SUM(t.fiat_amount), COUNT(*)
		FROM transactions t
		JOIN invoices i ON i.id = t.invoice_id
		WHERE i.merchant_id = $1 AND t.kind = $2 AND t.status = $3 AND t.created_at >= $4
		GROUP BY t.crypto_currency
		ORDER BY t.crypto_currency`,
		merchantID, models.TxKindSettlement, models.TxStatusCompleted, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CurrencyBreakdown
	for rows.Next() {
		var b models.CurrencyBreakdown
		if err := rows.Scan(&b.Currency, &b.CryptoAmount, &b.FiatAmount, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.InvoiceID, &t.Kind, &t.CryptoCurrency, &t.CryptoAmount, &t.FiatAmount, &t.ExchangeRate,
		&t.NetworkFee, &t.ProviderFee, &t.ServiceFee, &t.Confirmations, &t.ExternalRef, &t.Status,
		&t.FailureReason, &t.ConvertAfter, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}
