package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Logger is a minimal logger interface required by the hub.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Event types pushed to merchants.
const (
	EventPaymentDetected     = "payment_detected"
	EventInvoicePaid         = "invoice_paid"
	EventInvoiceExpired      = "invoice_expired"
	EventSettlementCompleted = "settlement_completed"
	EventSettlementFailed    = "settlement_failed"
)

// MerchantEvent is one push message for a merchant.
type MerchantEvent struct {
	Type          string  `json:"type"`
	InvoiceID     string  `json:"invoice_id"`
	Status        string  `json:"status,omitempty"`
	TxHash        string  `json:"tx_hash,omitempty"`
	Confirmations int     `json:"confirmations,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// MerchantHub manages merchant WS connections, one per merchant; a newer
// connection replaces the old one.
type MerchantHub struct {
	upgrader websocket.Upgrader
	logger   Logger

	mu    sync.RWMutex
	conns map[int64]*websocket.Conn
	wmu   map[int64]*sync.Mutex
}

// NewMerchantHub constructs the merchant hub.
func NewMerchantHub(logger Logger) *MerchantHub {
	return &MerchantHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		conns:    make(map[int64]*websocket.Conn),
		wmu:      make(map[int64]*sync.Mutex),
	}
}

// ServeWS upgrades a merchant connection. The merchant ID comes from the JWT
// middleware via the merchant_id query parameter set during auth.
func (h *MerchantHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	merchantID, err := strconv.ParseInt(r.URL.Query().Get("merchant_id"), 10, 64)
	if err != nil || merchantID <= 0 {
		http.Error(w, "missing merchant_id", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("merchant ws upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if old, ok := h.conns[merchantID]; ok {
		_ = old.Close()
	}
	h.conns[merchantID] = conn
	if _, ok := h.wmu[merchantID]; !ok {
		h.wmu[merchantID] = &sync.Mutex{}
	}
	h.mu.Unlock()

	go h.readLoop(merchantID, conn)
}

func (h *MerchantHub) readLoop(merchantID int64, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		delete(h.conns, merchantID)
		delete(h.wmu, merchantID)
		h.mu.Unlock()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if mt == websocket.TextMessage {
			trimmed := strings.TrimSpace(string(msg))
			if strings.EqualFold(trimmed, "ping") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	}
}

func (h *MerchantHub) safeWrite(merchantID int64, writer func(*websocket.Conn) error) {
	h.mu.RLock()
	conn := h.conns[merchantID]
	mu := h.wmu[merchantID]
	h.mu.RUnlock()
	if conn == nil || mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := writer(conn); err != nil {
		h.logger.Errorf("merchant %d write failed: %v", merchantID, err)
	}
}

// PushEvent sends an event to one merchant. Missing connections are skipped
// silently; WS delivery is best effort.
func (h *MerchantHub) PushEvent(merchantID int64, event MerchantEvent) {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	_, ok := h.conns[merchantID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	h.safeWrite(merchantID, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, eventBytes)
	})
}
