package order

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeNeverRegresses(t *testing.T) {
	proposals := []Status{
		StatusCreated, StatusPaid, StatusCreated, StatusFulfillmentCreated,
		StatusPaid, StatusDeliveryStarted, StatusCreated, StatusCompleted,
	}

	current := StatusUnknown
	for _, p := range proposals {
		next := Merge(current, p)
		assert.GreaterOrEqual(t, Rank(next), Rank(current),
			"merge(%s, %s) regressed to %s", current, p, next)
		current = next
	}
	assert.Equal(t, StatusCompleted, current)
}

func TestMergeRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	all := []Status{
		StatusUnknown, StatusCreated, StatusAwaitingPayment, StatusPaid,
		StatusFulfillmentCreated, StatusDeliveryStarted, StatusCompleted,
		StatusCanceled, StatusFulfillmentError,
	}

	for i := 0; i < 200; i++ {
		current := StatusUnknown
		prevRank := 0
		for j := 0; j < 20; j++ {
			current = Merge(current, all[rng.Intn(len(all))])
			r := Rank(current)
			assert.GreaterOrEqual(t, r, prevRank)
			prevRank = r
		}
	}
}

func TestMergeDefaults(t *testing.T) {
	assert.Equal(t, StatusPaid, Merge("", StatusPaid))
	assert.Equal(t, StatusPaid, Merge(StatusPaid, ""))
	// Unrecognized proposals rank as unknown and lose to anything ranked.
	assert.Equal(t, StatusPaid, Merge(StatusPaid, Status("garbage")))
}

// The absorbing branches sit at fixed ranks inside the same total order, so
// the comparison is asymmetric: a late forward signal cannot overwrite
// canceled or fulfillment_error, but a late failure signal does overwrite
// completed. This mirrors the original merge table; changing it would change
// observable webhook behavior.
func TestMergeAbsorbingBranches(t *testing.T) {
	assert.Equal(t, StatusFulfillmentError, Merge(StatusFulfillmentError, StatusCompleted))
	assert.Equal(t, StatusCanceled, Merge(StatusCanceled, StatusDeliveryStarted))
	assert.Equal(t, StatusFulfillmentError, Merge(StatusCompleted, StatusFulfillmentError))
	assert.Equal(t, StatusFulfillmentError, Merge(StatusCanceled, StatusFulfillmentError))
}

func TestFromProviderEvent(t *testing.T) {
	cases := []struct {
		event   string
		current Status
		want    Status
	}{
		{"orders.quote.created", StatusUnknown, StatusCreated},
		{"orders.quote.updated", StatusCreated, StatusCreated},
		{"orders.payment.succeeded", StatusCreated, StatusPaid},
		{"orders.payment.failed", StatusPaid, StatusFulfillmentError},
		{"orders.delivery.initiated", StatusFulfillmentCreated, StatusDeliveryStarted},
		{"orders.delivery.completed", StatusDeliveryStarted, StatusCompleted},
		{"orders.delivery.failed", StatusDeliveryStarted, StatusFulfillmentError},
		{"purchase.succeeded", StatusPaid, StatusCompleted},
		// Stale signals never move status backwards.
		{"orders.quote.created", StatusPaid, StatusPaid},
		{"orders.payment.succeeded", StatusCompleted, StatusCompleted},
		// Unmatched and empty event types are no-ops.
		{"orders.something.else", StatusPaid, StatusPaid},
		{"", StatusPaid, StatusPaid},
	}

	for _, c := range cases {
		t.Run(c.event+"/"+string(c.current), func(t *testing.T) {
			assert.Equal(t, c.want, FromProviderEvent(c.event, c.current))
		})
	}
}

func TestFromProviderEventNormalizesCase(t *testing.T) {
	assert.Equal(t, StatusPaid, FromProviderEvent("  Orders.Payment.Succeeded  ", StatusCreated))
}
