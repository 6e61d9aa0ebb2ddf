// Package lifecycle is the order lifecycle manager: it owns the canonical
// status of every purchase order and advances it monotonically in response to
// three unordered signal sources — client-driven requests, provider webhooks,
// and the periodic stuck-order sweep. Every mutation is a read-modify-write
// against the document store with the status merged through order.Merge, which
// is the system's only concurrency discipline.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/faremeter/x402-solana-demos/internal/crossmint"
	"github.com/faremeter/x402-solana-demos/internal/order"
	"github.com/faremeter/x402-solana-demos/internal/store"
	"github.com/faremeter/x402-solana-demos/internal/wallet"
)

// DefaultStuckThreshold is how long an order may sit in paid before the sweep
// re-attempts fulfillment.
const DefaultStuckThreshold = 5 * time.Minute

// Provider creates draft orders and prepares payment-claim transactions.
type Provider interface {
	CreateOrder(ctx context.Context, email string, shippingAddress json.RawMessage) (*crossmint.Quote, error)
	// PreparePayment declares the payer and returns the prepared serialized
	// transaction, or empty when the provider already holds one.
	PreparePayment(ctx context.Context, ref, payerAddress string) (string, error)
	PreparedTransaction(ctx context.Context, ref string) (string, error)
}

// Wallet signs and submits the fulfillment payment from the merchant account.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (uint64, error)
	SignAndBroadcast(ctx context.Context, raw []byte) (signature string, logs []string, err error)
}

// Notifier dispatches best-effort buyer notifications. Implementations must
// never propagate failure; the lifecycle discards any outcome.
type Notifier interface {
	OrderCreated(ctx context.Context, o *order.Order)
	PaymentReceived(ctx context.Context, o *order.Order)
	FulfillmentStarted(ctx context.Context, o *order.Order)
	OrderFailed(ctx context.Context, o *order.Order, reason string)
	OrderCompleted(ctx context.Context, o *order.Order)
}

// Manager owns order status. All writes to an order's status flow through it.
type Manager struct {
	store    store.Store
	provider Provider
	wallet   Wallet
	notify   Notifier
	log      zerolog.Logger

	priceUSD       float64
	stuckThreshold time.Duration
	now            func() time.Time
}

// Config wires a Manager.
type Config struct {
	Store    store.Store
	Provider Provider
	Wallet   Wallet
	Notifier Notifier
	Logger   zerolog.Logger

	// PriceUSD is the configured unit price of the single demo product.
	PriceUSD       float64
	StuckThreshold time.Duration
	Now            func() time.Time
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	m := &Manager{
		store:          cfg.Store,
		provider:       cfg.Provider,
		wallet:         cfg.Wallet,
		notify:         cfg.Notifier,
		log:            cfg.Logger,
		priceUSD:       cfg.PriceUSD,
		stuckThreshold: cfg.StuckThreshold,
		now:            cfg.Now,
	}
	if m.stuckThreshold <= 0 {
		m.stuckThreshold = DefaultStuckThreshold
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// QuoteRequest carries buyer input for quote issuance. OrderID resumes an
// existing draft when set.
type QuoteRequest struct {
	OrderID         string          `json:"orderId"`
	Email           string          `json:"email"`
	ShippingAddress json.RawMessage `json:"shippingAddress"`
}

// QuoteResult is the quote issuance response.
type QuoteResult struct {
	OrderID          string          `json:"orderId"`
	PriceUSD         float64         `json:"priceUsd"`
	PriceUSDC        string          `json:"priceUsdc"`
	CrossmintOrderID string          `json:"crossmintOrderId"`
	Quote            json.RawMessage `json:"quote,omitempty"`
}

// Quote validates buyer input, creates a draft order with the provider, and
// persists the local order at status created (or leaves a further-progressed
// resumed order where it is). No local state is touched when the provider
// call fails.
func (m *Manager) Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	if req.Email == "" {
		return nil, errValidation("missing_email")
	}
	if len(req.ShippingAddress) == 0 {
		return nil, errValidation("missing_shipping_address")
	}
	if math.IsNaN(m.priceUSD) || math.IsInf(m.priceUSD, 0) || m.priceUSD <= 0 {
		return nil, errConfig(fmt.Sprintf("configured price %v is not a positive finite number", m.priceUSD))
	}

	priceUSDC, err := order.USDToBaseUnits(m.priceUSD)
	if err != nil {
		return nil, errConfig(err.Error())
	}

	quote, err := m.provider.CreateOrder(ctx, req.Email, req.ShippingAddress)
	if err != nil {
		return nil, upstreamError("crossmint_error", err)
	}

	orderID := req.OrderID
	isNew := orderID == ""
	if isNew {
		orderID = uuid.NewString()
	}

	o := &order.Order{}
	if !isNew {
		if _, err := m.store.GetJSON(ctx, store.OrderKey(orderID), o); err != nil {
			return nil, m.storeError(err)
		}
	}

	now := m.now().UnixMilli()
	o.OrderID = orderID
	o.Status = order.Merge(o.Status, order.StatusCreated)
	o.Email = req.Email
	o.ShippingAddress = req.ShippingAddress
	o.PriceUSD = m.priceUSD
	o.PriceUSDC = priceUSDC
	o.Quote = quote.Totals
	o.CrossmintOrderID = quote.Ref
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	if err := m.store.SetJSON(ctx, store.OrderKey(orderID), o); err != nil {
		return nil, m.storeError(err)
	}
	if quote.Ref != "" {
		mapping := store.RefMapping{OrderID: orderID}
		if err := m.store.SetJSON(ctx, store.RefKey(quote.Ref), mapping); err != nil {
			return nil, m.storeError(err)
		}
	}

	if isNew {
		m.notify.OrderCreated(ctx, o)
	}

	return &QuoteResult{
		OrderID:          orderID,
		PriceUSD:         m.priceUSD,
		PriceUSDC:        priceUSDC,
		CrossmintOrderID: quote.Ref,
		Quote:            quote.Totals,
	}, nil
}

// PaidResult is the payment-gate callback response.
type PaidResult struct {
	OrderID     string         `json:"orderId"`
	Status      order.Status   `json:"status"`
	Message     string         `json:"message,omitempty"`
	Fulfillment *FulfillResult `json:"fulfillment,omitempty"`
}

// MarkPaid promotes an order to paid after the payment middleware has
// accepted a payment proof, then opportunistically attempts fulfillment.
// Replays are no-ops: paidAt is set exactly once and a later status is never
// demoted. A fulfillment failure is swallowed here — payment and fulfillment
// are decoupled, and the sweep retries later.
func (m *Manager) MarkPaid(ctx context.Context, orderID string) (*PaidResult, error) {
	o := &order.Order{}
	found, err := m.store.GetJSON(ctx, store.OrderKey(orderID), o)
	if err != nil {
		return nil, m.storeError(err)
	}
	if !found {
		return nil, errNotFound()
	}

	next := o.Status
	if !order.IsTerminalOrPaid(o.Status) {
		next = order.StatusPaid
		o.Status = order.Merge(o.Status, next)
		if o.PaidAt == 0 {
			o.PaidAt = m.now().UnixMilli()
		}
		o.UpdatedAt = m.now().UnixMilli()
		if err := m.store.SetJSON(ctx, store.OrderKey(orderID), o); err != nil {
			return nil, m.storeError(err)
		}
		next = o.Status
		m.notify.PaymentReceived(ctx, o)
	}

	result := &PaidResult{OrderID: orderID, Status: next}
	fulfillment, err := m.Fulfill(ctx, orderID)
	if err != nil {
		m.log.Warn().Err(err).Str("orderId", orderID).
			Msg("fulfillment after payment failed, sweep will retry")
		result.Message = "payment received, fulfillment pending"
		return result, nil
	}
	result.Fulfillment = fulfillment
	result.Status = fulfillment.Status
	return result, nil
}

// FulfillResult reports the fulfillment state of an order.
type FulfillResult struct {
	OrderID          string       `json:"orderId"`
	Status           order.Status `json:"status"`
	CrossmintOrderID string       `json:"crossmintOrderId,omitempty"`
	Signature        string       `json:"signature,omitempty"`
}

// Fulfill executes the at-most-once paid→fulfillment_created transition:
// balance pre-check, provider payment preparation, transaction decode, sign,
// broadcast, confirm. Every call that does not find the order exactly in paid
// is a read-only no-op (or a typed refusal), which is what makes the sweep
// and concurrent callers safe.
func (m *Manager) Fulfill(ctx context.Context, orderID string) (*FulfillResult, error) {
	o := &order.Order{}
	found, err := m.store.GetJSON(ctx, store.OrderKey(orderID), o)
	if err != nil {
		return nil, m.storeError(err)
	}
	if !found {
		return nil, errNotFound()
	}
	ref := o.CrossmintOrderID
	if ref == "" {
		return nil, errPrecondition("missing_crossmint_order", "call /quote first")
	}

	// Webhooks arrive keyed by the provider id; make sure the mapping exists
	// even for orders quoted before the mapping was introduced.
	var mapping store.RefMapping
	if found, _ := m.store.GetJSON(ctx, store.RefKey(ref), &mapping); !found || mapping.OrderID == "" {
		if err := m.store.SetJSON(ctx, store.RefKey(ref), store.RefMapping{OrderID: orderID}); err != nil {
			return nil, m.storeError(err)
		}
	}

	switch {
	case o.Status == order.StatusFulfillmentError:
		details := o.FulfillError
		if details == "" {
			details = "unknown"
		}
		return nil, errUpstream("fulfillment_error", details)
	case o.Status == order.StatusCanceled:
		return nil, errConflict("order_canceled")
	case order.Rank(o.Status) >= order.Rank(order.StatusFulfillmentCreated):
		// Already executed; fulfillment is at-most-once per order.
		return &FulfillResult{
			OrderID:          orderID,
			Status:           o.Status,
			CrossmintOrderID: ref,
			Signature:        o.Signature,
		}, nil
	case o.Status != order.StatusPaid:
		return nil, errAwaitingPayment(fmt.Sprintf("status is %s", o.Status))
	}

	need, err := strconv.ParseUint(o.PriceUSDC, 10, 64)
	if err != nil {
		need = 0
	}
	have, err := m.wallet.Balance(ctx)
	if err != nil {
		return nil, upstreamError("balance_check_failed", err)
	}
	if have < need {
		return nil, errInsufficientFunds(fmt.Sprintf(
			"need %d base units, have %d; fund the merchant wallet before fulfillment", need, have))
	}

	ser, err := m.provider.PreparePayment(ctx, ref, m.wallet.Address())
	if err != nil {
		m.persistFulfillFailure(ctx, orderID, err.Error(), nil)
		return nil, upstreamError("crossmint_error", err)
	}
	if ser == "" {
		if ser, err = m.provider.PreparedTransaction(ctx, ref); err != nil {
			m.log.Warn().Err(err).Str("orderId", orderID).Msg("prepared transaction fetch failed")
		}
	}
	if ser == "" {
		o = m.persistFulfillFailure(ctx, orderID, "missing serializedTransaction", nil)
		m.notify.OrderFailed(ctx, o, "missing serializedTransaction")
		return nil, errUpstream("missing_serialized_transaction", "")
	}

	raw, err := wallet.DecodeTransactionBytes(ser)
	if err != nil {
		o = m.persistFulfillFailure(ctx, orderID, err.Error(), nil)
		m.notify.OrderFailed(ctx, o, err.Error())
		return nil, &Error{Code: "unrecognized_transaction_format", Status: 502, Details: truncate(err.Error(), maxDetailLen)}
	}

	signature, logs, err := m.wallet.SignAndBroadcast(ctx, raw)
	if err != nil {
		o = m.persistFulfillFailure(ctx, orderID, err.Error(), logs)
		m.notify.OrderFailed(ctx, o, err.Error())
		return nil, errUpstream("transaction_failed", err.Error())
	}

	o, err = m.patchOrder(ctx, orderID, order.StatusFulfillmentCreated, func(o *order.Order) {
		o.Signature = signature
		o.FulfillError = ""
	})
	if err != nil {
		return nil, m.storeError(err)
	}
	m.notify.FulfillmentStarted(ctx, o)

	return &FulfillResult{
		OrderID:          orderID,
		Status:           o.Status,
		CrossmintOrderID: ref,
		Signature:        signature,
	}, nil
}

// StatusResult is the polling projection of an order.
type StatusResult struct {
	OrderID          string               `json:"orderId"`
	Status           order.Status         `json:"status"`
	CrossmintOrderID string               `json:"crossmintOrderId,omitempty"`
	Signature        string               `json:"signature,omitempty"`
	LastEvent        *order.ProviderEvent `json:"crossmintLastEvent,omitempty"`
	UpdatedAt        int64                `json:"updatedAt,omitempty"`
}

// Status returns the current lifecycle projection of an order.
func (m *Manager) Status(ctx context.Context, orderID string) (*StatusResult, error) {
	o := &order.Order{}
	found, err := m.store.GetJSON(ctx, store.OrderKey(orderID), o)
	if err != nil {
		return nil, m.storeError(err)
	}
	if !found {
		return nil, errNotFound()
	}
	return &StatusResult{
		OrderID:          orderID,
		Status:           o.Status,
		CrossmintOrderID: o.CrossmintOrderID,
		Signature:        o.Signature,
		LastEvent:        o.CrossmintLastEvent,
		UpdatedAt:        o.UpdatedAt,
	}, nil
}

// HandleWebhook applies a provider event to the mapped order. Signature
// verification happens at the HTTP boundary; by the time this runs the event
// is authentic. Unmapped provider ids and unmatched event types are silent
// no-ops — the provider must never see an application-level failure.
func (m *Manager) HandleWebhook(ctx context.Context, eventType, providerOrderID string) error {
	if providerOrderID == "" {
		return nil
	}

	var mapping store.RefMapping
	found, err := m.store.GetJSON(ctx, store.RefKey(providerOrderID), &mapping)
	if err != nil {
		return m.storeError(err)
	}
	if !found || mapping.OrderID == "" {
		// Order may belong to another instance or predate the mapping.
		return nil
	}

	o := &order.Order{}
	if _, err := m.store.GetJSON(ctx, store.OrderKey(mapping.OrderID), o); err != nil {
		return m.storeError(err)
	}

	before := o.Status
	o.OrderID = mapping.OrderID
	o.CrossmintOrderID = providerOrderID
	o.Status = order.FromProviderEvent(eventType, o.Status)
	o.CrossmintLastEvent = &order.ProviderEvent{Type: eventType, At: m.now().UnixMilli()}
	o.UpdatedAt = m.now().UnixMilli()

	if err := m.store.SetJSON(ctx, store.OrderKey(mapping.OrderID), o); err != nil {
		return m.storeError(err)
	}

	if before != order.StatusCompleted && o.Status == order.StatusCompleted {
		m.notify.OrderCompleted(ctx, o)
	}
	return nil
}

// SweepReport summarizes one stuck-order sweep pass.
type SweepReport struct {
	Checked int       `json:"checked"`
	Retried int       `json:"retried"`
	At      time.Time `json:"timestamp"`
}

// Sweep re-attempts fulfillment for every order stuck in paid longer than
// the threshold. Per-order failures are logged and the scan continues;
// Fulfill's precondition gate makes retrying any non-paid order a no-op, so
// sweeps may overlap live traffic safely.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{At: m.now()}

	keys, err := m.store.Keys(ctx, store.OrderKeyPrefix())
	if err != nil {
		return report, m.storeError(err)
	}

	nowMillis := m.now().UnixMilli()
	for _, key := range keys {
		o := &order.Order{}
		found, err := m.store.GetJSON(ctx, key, o)
		if err != nil || !found {
			continue
		}
		report.Checked++

		if o.Status != order.StatusPaid || o.PaidAt == 0 {
			continue
		}
		stuckFor := time.Duration(nowMillis-o.PaidAt) * time.Millisecond
		if stuckFor <= m.stuckThreshold {
			continue
		}

		m.log.Info().Str("orderId", o.OrderID).Dur("stuckFor", stuckFor).
			Msg("retrying stuck fulfillment")
		if _, err := m.Fulfill(ctx, o.OrderID); err != nil {
			m.log.Warn().Err(err).Str("orderId", o.OrderID).Msg("sweep fulfillment retry failed")
			continue
		}
		report.Retried++
	}

	m.log.Info().Int("checked", report.Checked).Int("retried", report.Retried).
		Msg("stuck-order sweep finished")
	return report, nil
}

// persistFulfillFailure records a fulfillment failure on the order. The
// merge rule means a failure observed here sticks unless forward progress
// already got further.
func (m *Manager) persistFulfillFailure(ctx context.Context, orderID, message string, logs []string) *order.Order {
	o, err := m.patchOrder(ctx, orderID, order.StatusFulfillmentError, func(o *order.Order) {
		o.FulfillError = message
		if len(logs) > 0 {
			o.Logs = logs
		}
	})
	if err != nil {
		m.log.Error().Err(err).Str("orderId", orderID).Msg("failed to persist fulfillment failure")
		return &order.Order{OrderID: orderID}
	}
	return o
}

// patchOrder is the shared read-modify-write: re-read, apply the patch,
// merge the proposed status, stamp updatedAt, write back.
func (m *Manager) patchOrder(ctx context.Context, orderID string, proposed order.Status, apply func(*order.Order)) (*order.Order, error) {
	o := &order.Order{}
	if _, err := m.store.GetJSON(ctx, store.OrderKey(orderID), o); err != nil {
		return nil, err
	}
	o.OrderID = orderID
	if apply != nil {
		apply(o)
	}
	o.Status = order.Merge(o.Status, proposed)
	o.UpdatedAt = m.now().UnixMilli()
	if err := m.store.SetJSON(ctx, store.OrderKey(orderID), o); err != nil {
		return nil, err
	}
	return o, nil
}

func (m *Manager) storeError(err error) *Error {
	m.log.Error().Err(err).Msg("order store failure")
	return &Error{Code: "store_error", Status: 500, Details: truncate(err.Error(), maxDetailLen)}
}

// upstreamError converts a provider or chain failure into the uniform
// upstream taxonomy, truncating bodies before they reach a caller.
func upstreamError(code string, err error) *Error {
	if apiErr, ok := err.(*crossmint.APIError); ok {
		return errUpstream(code, fmt.Sprintf("status %d: %s", apiErr.StatusCode, apiErr.Body))
	}
	return errUpstream(code, err.Error())
}
