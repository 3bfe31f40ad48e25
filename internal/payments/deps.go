package payments

import (
	"database/sql"
	"errors"
	"net/http"

	"firebase.google.com/go/messaging"
	"github.com/redis/go-redis/v9"
)

// Logger provides minimal logging required by the payments module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PaymentsDeps groups external dependencies needed by the payments module.
type PaymentsDeps struct {
	DB         *sql.DB
	RDB        *redis.Client
	Logger     Logger
	Config     PaymentsConfig
	HTTPClient *http.Client
	FCM        *messaging.Client // nil disables mobile pushes
	module     *moduleState
}

// Validate ensures required dependencies are provided.
func (d *PaymentsDeps) Validate() error {
	if d.DB == nil {
		return errors.New("payments deps: DB is required")
	}
	if d.RDB == nil {
		return errors.New("payments deps: RDB is required")
	}
	if d.Logger == nil {
		return errors.New("payments deps: Logger is required")
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
