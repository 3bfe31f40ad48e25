package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"pesabridge/internal/models"
)

// DoubleSpendRepo stores monitored transaction records. Alerts are kept as a
// JSON payload column; records are retained for audit after the invoice is
// paid.
type DoubleSpendRepo struct {
	db *sql.DB
}

// NewDoubleSpendRepo constructs a DoubleSpendRepo.
func NewDoubleSpendRepo(db *sql.DB) *DoubleSpendRepo {
	return &DoubleSpendRepo{db: db}
}

// Upsert inserts or replaces the record for a transaction hash.
func (r *DoubleSpendRepo) Upsert(ctx context.Context, rec models.DoubleSpendRecord) error {
	alerts, err := json.Marshal(rec.Alerts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO double_spend_records
			(tx_hash, invoice_id, expected_amount, address, currency, confirmations,
			 status, risk_level, alerts_json, safe_to_accept, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (tx_hash) DO UPDATE SET
			confirmations = EXCLUDED.confirmations,
			status = EXCLUDED.status,
			risk_level = EXCLUDED.risk_level,
			alerts_json = EXCLUDED.alerts_json,
			safe_to_accept = EXCLUDED.safe_to_accept,
			updated_at = EXCLUDED.updated_at`,
		rec.TxHash, rec.InvoiceID, rec.ExpectedAmount, rec.Address, rec.Currency, rec.Confirmations,
		rec.Status, rec.RiskLevel, alerts, rec.SafeToAccept, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// Get loads the record for a transaction hash.
func (r *DoubleSpendRepo) Get(ctx context.Context, txHash string) (models.DoubleSpendRecord, error) {
	var rec models.DoubleSpendRecord
	var alerts []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT tx_hash, invoice_id, expected_amount, address, currency, confirmations,
			status, risk_level, alerts_json, safe_to_accept, created_at, updated_at
		FROM double_spend_records WHERE tx_hash = $1`, txHash).Scan(
		&rec.TxHash, &rec.InvoiceID, &rec.ExpectedAmount, &rec.Address, &rec.Currency, &rec.Confirmations,
		&rec.Status, &rec.RiskLevel, &alerts, &rec.SafeToAccept, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DoubleSpendRecord{}, models.ErrDoubleSpendNotFound
	}
	if err != nil {
		return models.DoubleSpendRecord{}, err
	}
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &rec.Alerts); err != nil {
			return models.DoubleSpendRecord{}, err
		}
	}
	return rec, nil
}
