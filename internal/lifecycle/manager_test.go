package lifecycle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faremeter/x402-solana-demos/internal/crossmint"
	"github.com/faremeter/x402-solana-demos/internal/order"
	"github.com/faremeter/x402-solana-demos/internal/store"
)

var testShipping = json.RawMessage(`{"line1":"1 Main St","city":"Lisbon","country":"PT"}`)

// preparedTx is a valid base64 payload the fake wallet accepts as-is.
var preparedTx = base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

type fakeProvider struct {
	ref       string
	totals    json.RawMessage
	createErr error

	prepareTx  string
	prepareErr error
	fetchTx    string
	fetchErr   error

	createCalls  int
	prepareCalls int
}

func (p *fakeProvider) CreateOrder(_ context.Context, _ string, _ json.RawMessage) (*crossmint.Quote, error) {
	p.createCalls++
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &crossmint.Quote{Ref: p.ref, Totals: p.totals}, nil
}

func (p *fakeProvider) PreparePayment(_ context.Context, _, _ string) (string, error) {
	p.prepareCalls++
	return p.prepareTx, p.prepareErr
}

func (p *fakeProvider) PreparedTransaction(_ context.Context, _ string) (string, error) {
	return p.fetchTx, p.fetchErr
}

type fakeWallet struct {
	balance      uint64
	balanceErr   error
	sig          string
	broadcastErr error
	logs         []string
	broadcasts   int
}

func (w *fakeWallet) Address() string { return "MerchantPubkey1111111111111111111111111111" }

func (w *fakeWallet) Balance(context.Context) (uint64, error) {
	return w.balance, w.balanceErr
}

func (w *fakeWallet) SignAndBroadcast(context.Context, []byte) (string, []string, error) {
	w.broadcasts++
	if w.broadcastErr != nil {
		return "", w.logs, w.broadcastErr
	}
	return w.sig, nil, nil
}

type fakeNotifier struct {
	events []string
}

func (n *fakeNotifier) OrderCreated(context.Context, *order.Order)      { n.events = append(n.events, "created") }
func (n *fakeNotifier) PaymentReceived(context.Context, *order.Order)   { n.events = append(n.events, "paid") }
func (n *fakeNotifier) FulfillmentStarted(context.Context, *order.Order) { n.events = append(n.events, "fulfillment") }
func (n *fakeNotifier) OrderFailed(_ context.Context, _ *order.Order, _ string) {
	n.events = append(n.events, "failed")
}
func (n *fakeNotifier) OrderCompleted(context.Context, *order.Order) { n.events = append(n.events, "completed") }

func (n *fakeNotifier) count(event string) int {
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

type fixture struct {
	mgr      *Manager
	store    *store.MemoryStore
	provider *fakeProvider
	wallet   *fakeWallet
	notify   *fakeNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		provider: &fakeProvider{
			ref:       "cm-1",
			totals:    json.RawMessage(`{"total":"19.99"}`),
			prepareTx: preparedTx,
		},
		wallet: &fakeWallet{balance: 100_000_000, sig: "5Sig111"},
		notify: &fakeNotifier{},
		now:    time.UnixMilli(1_700_000_000_000),
	}
	f.mgr = New(Config{
		Store:    f.store,
		Provider: f.provider,
		Wallet:   f.wallet,
		Notifier: f.notify,
		Logger:   zerolog.Nop(),
		PriceUSD: 19.99,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) loadOrder(t *testing.T, orderID string) *order.Order {
	t.Helper()
	o := &order.Order{}
	found, err := f.store.GetJSON(context.Background(), store.OrderKey(orderID), o)
	require.NoError(t, err)
	require.True(t, found, "order %s not stored", orderID)
	return o
}

func TestQuoteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Quote(ctx, QuoteRequest{ShippingAddress: testShipping})
	var lcErr *Error
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "missing_email", lcErr.Code)
	assert.Equal(t, 400, lcErr.HTTPStatus())

	_, err = f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c"})
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "missing_shipping_address", lcErr.Code)

	assert.Zero(t, f.provider.createCalls, "provider must not be called on invalid input")
}

func TestQuoteCreatesOrderAndMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "buyer@example.com", ShippingAddress: testShipping})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, 19.99, res.PriceUSD)
	assert.Equal(t, "19990000", res.PriceUSDC)
	assert.Equal(t, "cm-1", res.CrossmintOrderID)

	o := f.loadOrder(t, res.OrderID)
	assert.Equal(t, order.StatusCreated, o.Status)
	assert.Equal(t, "buyer@example.com", o.Email)
	assert.Equal(t, f.now.UnixMilli(), o.CreatedAt)

	var mapping store.RefMapping
	found, err := f.store.GetJSON(ctx, store.RefKey("cm-1"), &mapping)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.OrderID, mapping.OrderID)

	assert.Equal(t, 1, f.notify.count("created"))
}

func TestQuoteUpstreamFailureLeavesNoState(t *testing.T) {
	f := newFixture(t)
	f.provider.createErr = &crossmint.APIError{StatusCode: 500, Body: "upstream exploded"}

	_, err := f.mgr.Quote(context.Background(), QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	var lcErr *Error
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "crossmint_error", lcErr.Code)
	assert.Equal(t, 502, lcErr.HTTPStatus())

	keys, err := f.store.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys, "no local state may be written when the provider fails")
	assert.Empty(t, f.notify.events)
}

func TestQuoteResumeKeepsProgressAndSkipsNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)

	// Simulate forward progress, then re-quote the same order.
	_, err = f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)

	res2, err := f.mgr.Quote(ctx, QuoteRequest{
		OrderID: res.OrderID, Email: "new@b.c", ShippingAddress: testShipping,
	})
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, res2.OrderID)

	o := f.loadOrder(t, res.OrderID)
	assert.Equal(t, "new@b.c", o.Email, "resume re-supplies buyer fields")
	assert.Equal(t, order.StatusFulfillmentCreated, o.Status, "status never regresses to created")
	assert.Equal(t, 1, f.notify.count("created"), "resume must not re-notify")
}

func TestMarkPaidEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)

	paid, err := f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentCreated, paid.Status)
	require.NotNil(t, paid.Fulfillment)
	assert.Equal(t, "5Sig111", paid.Fulfillment.Signature)

	st, err := f.mgr.Status(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentCreated, st.Status)
	assert.Equal(t, "5Sig111", st.Signature)

	assert.Equal(t, []string{"created", "paid", "fulfillment"}, f.notify.events)
}

func TestMarkPaidIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Keep fulfillment pending so the order stays in paid between callbacks.
	f.wallet.balance = 0

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)

	first, err := f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)
	paidAt := f.loadOrder(t, res.OrderID).PaidAt
	require.NotZero(t, paidAt)

	f.now = f.now.Add(30 * time.Second)
	second, err := f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, paidAt, f.loadOrder(t, res.OrderID).PaidAt, "paidAt is set exactly once")
	assert.Equal(t, 1, f.notify.count("paid"), "replayed callback must not re-notify")
}

func TestMarkPaidUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.MarkPaid(context.Background(), "nope")
	var lcErr *Error
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "order_not_found", lcErr.Code)
	assert.Equal(t, 404, lcErr.HTTPStatus())
}

func TestFulfillIdempotentAfterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)
	_, err = f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, 1, f.wallet.broadcasts)

	for i := 0; i < 3; i++ {
		got, err := f.mgr.Fulfill(ctx, res.OrderID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusFulfillmentCreated, got.Status)
		assert.Equal(t, "5Sig111", got.Signature)
	}
	assert.Equal(t, 1, f.wallet.broadcasts, "no second broadcast for an already-fulfilled order")
}

func TestFulfillPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var lcErr *Error

	_, err := f.mgr.Fulfill(ctx, "missing")
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "order_not_found", lcErr.Code)

	// Order without a provider reference.
	require.NoError(t, f.store.SetJSON(ctx, store.OrderKey("draft"), &order.Order{
		OrderID: "draft", Status: order.StatusCreated,
	}))
	_, err = f.mgr.Fulfill(ctx, "draft")
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "missing_crossmint_order", lcErr.Code)
	assert.Equal(t, 412, lcErr.HTTPStatus())

	// Canceled order.
	require.NoError(t, f.store.SetJSON(ctx, store.OrderKey("gone"), &order.Order{
		OrderID: "gone", Status: order.StatusCanceled, CrossmintOrderID: "cm-x",
	}))
	_, err = f.mgr.Fulfill(ctx, "gone")
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "order_canceled", lcErr.Code)
	assert.Equal(t, 409, lcErr.HTTPStatus())

	// Failed order reports the stored error.
	require.NoError(t, f.store.SetJSON(ctx, store.OrderKey("broken"), &order.Order{
		OrderID: "broken", Status: order.StatusFulfillmentError,
		CrossmintOrderID: "cm-y", FulfillError: "it broke",
	}))
	_, err = f.mgr.Fulfill(ctx, "broken")
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "fulfillment_error", lcErr.Code)
	assert.Equal(t, "it broke", lcErr.Details)

	// Unpaid order: expected case, reported as awaiting payment.
	require.NoError(t, f.store.SetJSON(ctx, store.OrderKey("fresh"), &order.Order{
		OrderID: "fresh", Status: order.StatusCreated, CrossmintOrderID: "cm-z",
	}))
	_, err = f.mgr.Fulfill(ctx, "fresh")
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "awaiting_payment", lcErr.Code)
	assert.Equal(t, 202, lcErr.HTTPStatus())

	assert.Zero(t, f.wallet.broadcasts)
	assert.Zero(t, f.provider.prepareCalls)
}

func TestFulfillInsufficientFundsLeavesOrderPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet.balance = 1_000 // far below 19990000

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)
	_, err = f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)

	_, err = f.mgr.Fulfill(ctx, res.OrderID)
	var lcErr *Error
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "merchant_insufficient_funds", lcErr.Code)
	assert.Equal(t, 402, lcErr.HTTPStatus())

	o := f.loadOrder(t, res.OrderID)
	assert.Equal(t, order.StatusPaid, o.Status, "order stays eligible for the sweep")
	assert.Zero(t, f.provider.prepareCalls, "provider must not be contacted without funds")
}

func TestFulfillMissingPreparedTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.prepareTx = ""
	f.provider.fetchTx = ""

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)
	paid, err := f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "payment received, fulfillment pending", paid.Message)

	o := f.loadOrder(t, res.OrderID)
	assert.Equal(t, order.StatusFulfillmentError, o.Status)
	assert.Equal(t, "missing serializedTransaction", o.FulfillError)
	assert.Equal(t, 1, f.notify.count("failed"))
}

func TestFulfillFallsBackToFetchedTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.prepareTx = "" // provider says "already has a txId"
	f.provider.fetchTx = preparedTx

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)
	paid, err := f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentCreated, paid.Status)
	assert.Equal(t, 1, f.wallet.broadcasts)
}

func TestFulfillBroadcastFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet.broadcastErr = fmt.Errorf("blockhash expired")
	f.wallet.logs = []string{"Program log: insufficient lamports"}

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)
	_, err = f.mgr.MarkPaid(ctx, res.OrderID)
	require.NoError(t, err, "payment must succeed even when fulfillment fails")

	o := f.loadOrder(t, res.OrderID)
	assert.Equal(t, order.StatusFulfillmentError, o.Status)
	assert.Contains(t, o.FulfillError, "blockhash expired")
	assert.Equal(t, f.wallet.logs, o.Logs)
	assert.Equal(t, 1, f.notify.count("failed"))
}

func TestWebhookNoOpSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Event without a provider order id.
	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.payment.succeeded", ""))

	// Unmapped provider id.
	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.payment.succeeded", "cm-unknown"))
	keys, err := f.store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Mapped order, unmatched event type: status untouched, event stamped.
	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)
	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.refund.requested", "cm-1"))

	o := f.loadOrder(t, res.OrderID)
	assert.Equal(t, order.StatusCreated, o.Status)
	require.NotNil(t, o.CrossmintLastEvent)
	assert.Equal(t, "orders.refund.requested", o.CrossmintLastEvent.Type)
}

func TestWebhookAdvancesAndNotifiesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.Quote(ctx, QuoteRequest{Email: "a@b.c", ShippingAddress: testShipping})
	require.NoError(t, err)

	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.payment.succeeded", "cm-1"))
	assert.Equal(t, order.StatusPaid, f.loadOrder(t, res.OrderID).Status)

	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.delivery.completed", "cm-1"))
	assert.Equal(t, order.StatusCompleted, f.loadOrder(t, res.OrderID).Status)
	assert.Equal(t, 1, f.notify.count("completed"))

	// Replaying the completion event must not re-notify.
	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.delivery.completed", "cm-1"))
	assert.Equal(t, 1, f.notify.count("completed"))

	// Stale earlier event cannot demote the status.
	require.NoError(t, f.mgr.HandleWebhook(ctx, "orders.quote.created", "cm-1"))
	assert.Equal(t, order.StatusCompleted, f.loadOrder(t, res.OrderID).Status)
}

func TestSweepSelectivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nowMillis := f.now.UnixMilli()

	seed := []*order.Order{
		{OrderID: "o-created", Status: order.StatusCreated, CrossmintOrderID: "cm-a"},
		{OrderID: "o-paid-fresh", Status: order.StatusPaid, CrossmintOrderID: "cm-b",
			PriceUSDC: "19990000", PaidAt: nowMillis - (2 * time.Minute).Milliseconds()},
		{OrderID: "o-paid-stuck", Status: order.StatusPaid, CrossmintOrderID: "cm-c",
			PriceUSDC: "19990000", PaidAt: nowMillis - (10 * time.Minute).Milliseconds()},
		{OrderID: "o-done", Status: order.StatusCompleted, CrossmintOrderID: "cm-d"},
	}
	for _, o := range seed {
		require.NoError(t, f.store.SetJSON(ctx, store.OrderKey(o.OrderID), o))
	}

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Retried)

	assert.Equal(t, order.StatusFulfillmentCreated, f.loadOrder(t, "o-paid-stuck").Status)
	assert.Equal(t, order.StatusPaid, f.loadOrder(t, "o-paid-fresh").Status)
	assert.Equal(t, order.StatusCreated, f.loadOrder(t, "o-created").Status)
	assert.Equal(t, order.StatusCompleted, f.loadOrder(t, "o-done").Status)
	assert.Equal(t, 1, f.wallet.broadcasts)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet.broadcastErr = fmt.Errorf("node unavailable")
	nowMillis := f.now.UnixMilli()

	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, f.store.SetJSON(ctx, store.OrderKey(id), &order.Order{
			OrderID: id, Status: order.StatusPaid, CrossmintOrderID: "cm-" + id,
			PriceUSDC: "19990000", PaidAt: nowMillis - (10 * time.Minute).Milliseconds(),
		}))
	}

	report, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Retried)
	assert.Equal(t, 2, f.wallet.broadcasts, "both stuck orders must be attempted")
}
