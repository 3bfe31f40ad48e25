package models

import (
	"errors"
)

var (
	ErrNoRecord            = errors.New("models: no matching record found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDoubleSpendNotFound = errors.New("double-spend record not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrSettlementInFlight  = errors.New("settlement already in flight for invoice")
	ErrRiskBlocked         = errors.New("invoice blocked by risk assessment")
	ErrInvoiceNotPayable   = errors.New("invoice is not payable")
	ErrInvalidCredentials  = errors.New("models: invalid credentials")
	ErrDuplicateEmail      = errors.New("models: duplicate email")
)
