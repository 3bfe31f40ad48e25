package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"pesabridge/internal/models"
)

// MerchantsRepo provides access to the merchants table.
type MerchantsRepo struct {
	db *sql.DB
}

// NewMerchantsRepo constructs a MerchantsRepo.
func NewMerchantsRepo(db *sql.DB) *MerchantsRepo {
	return &MerchantsRepo{db: db}
}

// Create registers a merchant. The API key is stored as a bcrypt hash only;
// a second registration on the same email reports models.ErrDuplicateEmail.
func (r *MerchantsRepo) Create(ctx context.Context, m models.Merchant, apiKey string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO merchants (name, email, fiat_currency, payout_phone, crypto_address,
			settlement_preference, fcm_token, api_key_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,CURRENT_TIMESTAMP)
		RETURNING id`,
		m.Name, m.Email, m.FiatCurrency, m.PayoutPhone, m.CryptoAddress,
		string(m.Preference), m.FCMToken, string(hash)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, models.ErrDuplicateEmail
	}
	return id, err
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Get loads one merchant.
func (r *MerchantsRepo) Get(ctx context.Context, id int64) (models.Merchant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, fiat_currency, payout_phone, crypto_address,
			settlement_preference, fcm_token, api_key_hash, created_at
		FROM merchants WHERE id = $1`, id)
	return scanMerchant(row)
}

// GetByEmail loads a merchant by login email.
func (r *MerchantsRepo) GetByEmail(ctx context.Context, email string) (models.Merchant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, fiat_currency, payout_phone, crypto_address,
			settlement_preference, fcm_token, api_key_hash, created_at
		FROM merchants WHERE email = $1`, email)
	return scanMerchant(row)
}

// VerifyAPIKey checks a presented API key against the stored hash.
func (r *MerchantsRepo) VerifyAPIKey(ctx context.Context, email, apiKey string) (models.Merchant, error) {
	m, err := r.GetByEmail(ctx, email)
	if err != nil {
		return models.Merchant{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(m.APIKeyHash), []byte(apiKey)) != nil {
		return models.Merchant{}, models.ErrInvalidCredentials
	}
	return m, nil
}

// SetFCMToken stores the merchant's push notification token.
func (r *MerchantsRepo) SetFCMToken(ctx context.Context, id int64, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE merchants SET fcm_token = $1 WHERE id = $2`, token, id)
	return err
}

func scanMerchant(row *sql.Row) (models.Merchant, error) {
	var m models.Merchant
	var preference string
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.FiatCurrency, &m.PayoutPhone, &m.CryptoAddress,
		&preference, &m.FCMToken, &m.APIKeyHash, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Merchant{}, models.ErrMerchantNotFound
	}
	if err != nil {
		return models.Merchant{}, err
	}
	m.Preference = models.SettlementPreference(preference)
	return m, nil
}
