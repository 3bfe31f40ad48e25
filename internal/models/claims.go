package models

import (
	"github.com/golang-jwt/jwt"
)

// Claims carries the authenticated merchant identity inside API tokens.
type Claims struct {
	MerchantID int64 `json:"merchant_id"`
	jwt.StandardClaims
}
