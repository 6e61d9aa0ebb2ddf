// Package notify sends best-effort buyer emails for order lifecycle events.
// Delivery failures are logged and dropped; no lifecycle transition ever
// depends on an email going out.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/faremeter/x402-solana-demos/internal/order"
	"github.com/faremeter/x402-solana-demos/internal/retry"
)

// Mailer delivers a single email.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

const sendAttempts = 3

// Notifier renders and sends lifecycle emails through a Mailer.
type Notifier struct {
	mailer     Mailer
	log        zerolog.Logger
	network    string
	hostOrigin string
}

// New builds a Notifier. network selects the Solana explorer cluster in
// links; hostOrigin is the demo's public origin for tracking links.
func New(mailer Mailer, log zerolog.Logger, network, hostOrigin string) *Notifier {
	return &Notifier{mailer: mailer, log: log, network: network, hostOrigin: hostOrigin}
}

// OrderCreated tells the buyer a quote was issued and payment is expected.
func (n *Notifier) OrderCreated(ctx context.Context, o *order.Order) {
	n.send(ctx, o, "Awaiting Payment", fmt.Sprintf(
		`<p>Your order <strong>%s</strong> has been created and is awaiting payment.</p>%s`,
		shortID(o.OrderID), n.trackingLink(o.OrderID)))
}

// PaymentReceived confirms the buyer's payment landed.
func (n *Notifier) PaymentReceived(ctx context.Context, o *order.Order) {
	n.send(ctx, o, "Payment Received", fmt.Sprintf(
		`<p>Payment for order <strong>%s</strong> has been received. Fulfillment will begin shortly.</p>%s`,
		shortID(o.OrderID), n.trackingLink(o.OrderID)))
}

// FulfillmentStarted reports the on-chain fulfillment payment.
func (n *Notifier) FulfillmentStarted(ctx context.Context, o *order.Order) {
	body := fmt.Sprintf(
		`<p>Fulfillment for order <strong>%s</strong> has started.</p>`, shortID(o.OrderID))
	if o.Signature != "" {
		body += fmt.Sprintf(`<p><a href="%s">View the transaction on Solana Explorer</a></p>`,
			n.explorerURL(o.Signature))
	}
	n.send(ctx, o, "Fulfillment Started", body+n.trackingLink(o.OrderID))
}

// OrderFailed asks the buyer to get in touch; the order needs attention.
func (n *Notifier) OrderFailed(ctx context.Context, o *order.Order, reason string) {
	n.send(ctx, o, "Action Required", fmt.Sprintf(
		`<p>Order <strong>%s</strong> ran into a problem: %s.</p><p>Our team has been notified.</p>%s`,
		shortID(o.OrderID), reason, n.trackingLink(o.OrderID)))
}

// OrderCompleted closes the loop once the provider reports delivery.
func (n *Notifier) OrderCompleted(ctx context.Context, o *order.Order) {
	n.send(ctx, o, "Completed", fmt.Sprintf(
		`<p>Order <strong>%s</strong> is complete. Thanks for trying the demo!</p>%s`,
		shortID(o.OrderID), n.trackingLink(o.OrderID)))
}

func (n *Notifier) send(ctx context.Context, o *order.Order, event, body string) {
	if n.mailer == nil || o.Email == "" {
		return
	}
	subject := fmt.Sprintf("Amazon Order %s - %s", shortID(o.OrderID), event)

	err := retry.Do(ctx, sendAttempts, 500*time.Millisecond, func() error {
		return n.mailer.Send(ctx, o.Email, subject, body)
	})
	if err != nil {
		n.log.Warn().Err(err).Str("orderId", o.OrderID).Str("event", event).
			Msg("buyer notification failed")
		return
	}
	n.log.Debug().Str("orderId", o.OrderID).Str("event", event).Msg("buyer notified")
}

func (n *Notifier) trackingLink(orderID string) string {
	if n.hostOrigin == "" {
		return ""
	}
	return fmt.Sprintf(`<p><a href="%s?order=%s">Track your order</a></p>`, n.hostOrigin, orderID)
}

func (n *Notifier) explorerURL(signature string) string {
	url := "https://explorer.solana.com/tx/" + signature
	if n.network == "mainnet" || n.network == "mainnet-beta" {
		return url
	}
	return url + "?cluster=" + n.network
}

func shortID(orderID string) string {
	if len(orderID) <= 8 {
		return orderID
	}
	return orderID[:8]
}
