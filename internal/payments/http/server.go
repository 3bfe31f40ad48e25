package paymentshttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/orchestrator"
	"pesabridge/internal/payments/payout"
	"pesabridge/internal/payments/repo"
	"pesabridge/internal/payments/ws"
	"pesabridge/utils"
)

type contextKey string

const merchantIDKey contextKey = "merchant_id"

const tokenTTL = 20 * time.Hour

// Logger is a minimal logger interface required by the server.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SettlementStore is the slice of the transactions repository the payout
// callback needs.
type SettlementStore interface {
	Fail(ctx context.Context, id int64, reason string) error
}

// Server handles HTTP endpoints for the payments module.
type Server struct {
	logger        Logger
	svc           *orchestrator.Service
	merchants     *repo.MerchantsRepo
	settlements   SettlementStore
	hub           *ws.MerchantHub
	tokens        *utils.Manager
	webhookSecret string
}

// NewServer constructs the server.
func NewServer(logger Logger, svc *orchestrator.Service, merchants *repo.MerchantsRepo, settlements SettlementStore, hub *ws.MerchantHub, tokens *utils.Manager, webhookSecret string) *Server {
	return &Server{
		logger:        logger,
		svc:           svc,
		merchants:     merchants,
		settlements:   settlements,
		hub:           hub,
		tokens:        tokens,
		webhookSecret: webhookSecret,
	}
}

// Routes builds the module's handler with its middleware chains. Customer
// endpoints (status, payment target) are open; merchant endpoints require a
// bearer token.
func (s *Server) Routes() http.Handler {
	standard := alice.New(s.recoverPanic, s.logRequest, secureHeaders, makeResponseJSON)
	auth := standard.Append(s.merchantAuth)

	mux := pat.New()

	// Merchants
	mux.Post("/merchants", standard.ThenFunc(s.registerMerchant))
	mux.Post("/merchants/sign_in", standard.ThenFunc(s.signIn))
	mux.Post("/merchants/fcm_token", auth.ThenFunc(s.setFCMToken))
	mux.Get("/merchants/analytics", auth.ThenFunc(s.analytics))

	// Invoices
	mux.Post("/invoices", auth.ThenFunc(s.createInvoice))
	mux.Get("/invoices/:id", standard.ThenFunc(s.getInvoice))
	mux.Post("/invoices/:id/target", standard.ThenFunc(s.generateTarget))
	mux.Post("/invoices/:id/cancel", auth.ThenFunc(s.cancelInvoice))
	mux.Get("/invoices/:id/transactions", auth.ThenFunc(s.listTransactions))

	// Integrations
	mux.Post("/callbacks/payout", standard.ThenFunc(s.payoutCallback))
	mux.Get("/ws/merchant", http.HandlerFunc(s.serveWS))

	return mux
}

func (s *Server) registerMerchant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Email         string `json:"email"`
		FiatCurrency  string `json:"fiat_currency"`
		PayoutPhone   string `json:"payout_phone"`
		CryptoAddress string `json:"crypto_address"`
		Preference    string `json:"settlement_preference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.clientError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.Email == "" || req.PayoutPhone == "" {
		s.clientError(w, http.StatusBadRequest, "name, email and payout_phone are required")
		return
	}
	preference := models.SettlementPreference(req.Preference)
	if req.Preference == "" {
		preference = models.SettleFiat
	}
	if !preference.Valid() {
		s.clientError(w, http.StatusBadRequest, "unknown settlement_preference")
		return
	}
	fiat := strings.ToUpper(req.FiatCurrency)
	if fiat == "" {
		fiat = "KES"
	}

	apiKey, err := s.tokens.NewAPIKey()
	if err != nil {
		s.serverError(w, err)
		return
	}
	id, err := s.merchants.Create(r.Context(), models.Merchant{
		Name:          req.Name,
		Email:         req.Email,
		FiatCurrency:  fiat,
		PayoutPhone:   req.PayoutPhone,
		CryptoAddress: nullString(req.CryptoAddress),
		Preference:    preference,
	}, apiKey)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEmail) {
			s.clientError(w, http.StatusConflict, "email already registered")
			return
		}
		s.serverError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":      id,
		"api_key": apiKey, // shown once, never retrievable again
	})
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string `json:"email"`
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.clientError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m, err := s.merchants.VerifyAPIKey(r.Context(), req.Email, req.APIKey)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredentials) || errors.Is(err, models.ErrMerchantNotFound) {
			s.clientError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serverError(w, err)
		return
	}
	token, err := s.tokens.NewJWT(m.ID, tokenTTL)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"access_token": token, "merchant_id": m.ID})
}

func (s *Server) setFCMToken(w http.ResponseWriter, r *http.Request) {
	merchantID := merchantFrom(r)
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		s.clientError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.merchants.SetFCMToken(r.Context(), merchantID, req.Token); err != nil {
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	merchantID := merchantFrom(r)
	var req struct {
		Amount        float64 `json:"amount"`
		Currency      string  `json:"currency"`
		Description   string  `json:"description"`
		CustomerEmail string  `json:"customer_email"`
		CustomerName  string  `json:"customer_name"`
		Preference    string  `json:"settlement_preference"`
		Location      string  `json:"location"`
		DeviceID      string  `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.clientError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inv, assessment, err := s.svc.CreateInvoice(r.Context(), orchestrator.CreateInvoiceRequest{
		MerchantID:    merchantID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		Preference:    models.SettlementPreference(req.Preference),
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
		Location:      req.Location,
		DeviceID:      req.DeviceID,
	})
	if err != nil {
		if errors.Is(err, models.ErrRiskBlocked) {
			s.writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "transaction blocked",
				"risk":  assessment,
			})
			return
		}
		if errors.Is(err, models.ErrMerchantNotFound) {
			s.clientError(w, http.StatusNotFound, "merchant not found")
			return
		}
		s.clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"invoice": inv, "risk": assessment})
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.svc.GetStatus(r.Context(), r.URL.Query().Get(":id"))
	if err != nil {
		if errors.Is(err, models.ErrInvoiceNotFound) {
			s.clientError(w, http.StatusNotFound, "invoice not found")
			return
		}
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, invoiceView(inv))
}

func (s *Server) generateTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Currency == "" {
		s.clientError(w, http.StatusBadRequest, "currency is required")
		return
	}
	currency := strings.ToUpper(req.Currency)
	switch currency {
	case "BTC", "USDT", "LIGHTNING":
	default:
		s.clientError(w, http.StatusBadRequest, "unsupported payment currency")
		return
	}

	target, err := s.svc.GeneratePaymentTarget(r.Context(), r.URL.Query().Get(":id"), currency)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvoiceNotFound):
			s.clientError(w, http.StatusNotFound, "invoice not found")
		case errors.Is(err, models.ErrInvoiceNotPayable):
			s.clientError(w, http.StatusConflict, "invoice is not payable")
		default:
			s.serverError(w, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

func (s *Server) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	merchantID := merchantFrom(r)
	err := s.svc.Cancel(r.Context(), r.URL.Query().Get(":id"), merchantID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvoiceNotFound):
			s.clientError(w, http.StatusNotFound, "invoice not found")
		case errors.Is(err, models.ErrInvalidTransition):
			s.clientError(w, http.StatusConflict, "invoice is already final")
		default:
			s.serverError(w, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	merchantID := merchantFrom(r)
	invoiceID := r.URL.Query().Get(":id")

	inv, err := s.svc.GetStatus(r.Context(), invoiceID)
	if err != nil || inv.MerchantID != merchantID {
		s.clientError(w, http.StatusNotFound, "invoice not found")
		return
	}
	txs, err := s.svc.ListTransactions(r.Context(), invoiceID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	merchantID := merchantFrom(r)
	out, err := s.svc.GetMerchantAnalytics(r.Context(), merchantID, r.URL.Query().Get("period"))
	if err != nil {
		s.clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// payoutCallback receives asynchronous B2C results. The body must carry a
// valid HMAC signature; a failed disbursement marks its settlement failed for
// manual reconciliation.
func (s *Server) payoutCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.clientError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !payout.VerifyHMAC(body, r.Header.Get("X-Signature"), s.webhookSecret) {
		s.clientError(w, http.StatusUnauthorized, "bad signature")
		return
	}

	var cb struct {
		Reference     string `json:"reference"`
		Status        string `json:"status"`
		ReceiptRef    string `json:"receipt_ref"`
		FailureReason string `json:"failure_reason"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		s.clientError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if cb.Status == payout.StatusFailed {
		if id, ok := settlementIDFromReference(cb.Reference); ok {
			reason := cb.FailureReason
			if reason == "" {
				reason = "payout rejected by rail"
			}
			if err := s.settlements.Fail(r.Context(), id, reason); err != nil {
				s.serverError(w, err)
				return
			}
			s.logger.Errorf("payout callback: settlement %d failed: %s", id, reason)
		}
	} else {
		s.logger.Infof("payout callback: %s status %s receipt %s", cb.Reference, cb.Status, cb.ReceiptRef)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	// WS clients authenticate with the bearer token in the query string since
	// browsers cannot set headers on WebSocket dials.
	token := r.URL.Query().Get("token")
	merchantID, err := s.tokens.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	q.Set("merchant_id", formatInt(merchantID))
	r.URL.RawQuery = q.Encode()
	s.hub.ServeWS(w, r)
}
