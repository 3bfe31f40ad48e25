package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/messaging"
)

// Notifier pushes settlement and payment notifications to merchant devices.
// A nil messaging client disables pushes; every method becomes a no-op.
type Notifier struct {
	client *messaging.Client
}

// NewNotifier constructs a notifier. client may be nil.
func NewNotifier(client *messaging.Client) *Notifier {
	return &Notifier{client: client}
}

// Send delivers one push to a device token.
func (n *Notifier) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if n.client == nil || token == "" {
		return nil
	}
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}
	if _, err := n.client.Send(ctx, message); err != nil {
		return fmt.Errorf("notify: send to device: %w", err)
	}
	return nil
}

// InvoicePaid notifies the merchant that an invoice was paid.
func (n *Notifier) InvoicePaid(ctx context.Context, token, invoiceID string, amount float64, currency string) error {
	return n.Send(ctx, token, "Invoice paid",
		fmt.Sprintf("Invoice %s paid: %.2f %s", invoiceID, amount, currency),
		map[string]string{"invoice_id": invoiceID, "event": "invoice_paid"})
}

// SettlementCompleted notifies the merchant of a completed payout.
func (n *Notifier) SettlementCompleted(ctx context.Context, token, invoiceID string, net float64, currency string) error {
	return n.Send(ctx, token, "Settlement completed",
		fmt.Sprintf("Invoice %s settled: %.2f %s", invoiceID, net, currency),
		map[string]string{"invoice_id": invoiceID, "event": "settlement_completed"})
}
