package repo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert merchant: %w", &pgconn.PgError{Code: "23505", ConstraintName: "merchants_email_key"})
	if !isUniqueViolation(dup) {
		t.Fatal("wrapped 23505 should be recognised as a unique violation")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Fatal("unrelated errors must not map to a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violations must not map to a unique violation")
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil error must not map to a unique violation")
	}
}
