// Package order defines the persistent order record for the checkout demos
// and the monotonic status machine that keeps it consistent under unordered
// writers (client polling, provider webhooks, the stuck-order sweep).
package order

import "strings"

// Status is the lifecycle stage of an order.
type Status string

const (
	StatusUnknown            Status = "unknown"
	StatusCreated            Status = "created"
	StatusAwaitingPayment    Status = "awaiting_payment"
	StatusPaid               Status = "paid"
	StatusFulfillmentCreated Status = "fulfillment_created"
	StatusDeliveryStarted    Status = "delivery_started"
	StatusCompleted          Status = "completed"
	StatusCanceled           Status = "canceled"
	StatusFulfillmentError   Status = "fulfillment_error"
)

// statusFlow is the total order used for the monotonic merge. The two
// absorbing branches (canceled, fulfillment_error) sit at fixed ranks at the
// end of the same flow, so a proposal for either always wins over forward
// progress, and never the other way around.
var statusFlow = []Status{
	StatusUnknown,
	StatusCreated,
	StatusAwaitingPayment,
	StatusPaid,
	StatusFulfillmentCreated,
	StatusDeliveryStarted,
	StatusCompleted,
	StatusCanceled,
	StatusFulfillmentError,
}

// Rank returns the position of s in the status flow. Unrecognized or empty
// statuses rank as unknown.
func Rank(s Status) int {
	for i, v := range statusFlow {
		if v == s {
			return i
		}
	}
	return 0
}

// Merge applies the monotonic merge rule: the proposed status wins only when
// its rank is at least the current one. Status never regresses, regardless of
// writer interleaving or replayed signals.
func Merge(current, proposed Status) Status {
	if current == "" {
		current = StatusUnknown
	}
	if proposed == "" {
		return current
	}
	if Rank(proposed) >= Rank(current) {
		return proposed
	}
	return current
}

// IsTerminalOrPaid reports whether s is paid or any later stage. The payment
// callback uses it to stay idempotent under replays.
func IsTerminalOrPaid(s Status) bool {
	switch s {
	case StatusPaid, StatusFulfillmentCreated, StatusDeliveryStarted,
		StatusCompleted, StatusCanceled, StatusFulfillmentError:
		return true
	}
	return false
}

// eventTable maps provider event-type substrings to candidate statuses.
// Order matters: the first matching entry wins.
var eventTable = []struct {
	substr string
	status Status
}{
	{"orders.quote.created", StatusCreated},
	{"orders.quote.updated", StatusCreated},
	{"orders.payment.succeeded", StatusPaid},
	{"orders.payment.failed", StatusFulfillmentError},
	{"orders.delivery.initiated", StatusDeliveryStarted},
	{"orders.delivery.completed", StatusCompleted},
	{"orders.delivery.failed", StatusFulfillmentError},
	{"purchase.succeeded", StatusCompleted},
}

// FromProviderEvent maps a raw provider event type to the next status,
// already merged against current. Unmatched event types leave the status
// unchanged.
func FromProviderEvent(eventType string, current Status) Status {
	if current == "" {
		current = StatusUnknown
	}
	et := strings.ToLower(strings.TrimSpace(eventType))
	if et == "" {
		return current
	}
	proposed := current
	for _, e := range eventTable {
		if strings.Contains(et, e.substr) {
			proposed = e.status
			break
		}
	}
	return Merge(current, proposed)
}
