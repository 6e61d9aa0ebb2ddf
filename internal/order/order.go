package order

import "encoding/json"

// ProviderEvent records the last raw webhook event seen for an order, kept
// for diagnostics only.
type ProviderEvent struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

// Order is the single persistent entity of the checkout demo. One document
// is stored per order; every mutation re-reads the document and merges the
// status through Merge before writing.
type Order struct {
	OrderID         string          `json:"orderId"`
	Status          Status          `json:"status"`
	Email           string          `json:"email,omitempty"`
	ShippingAddress json.RawMessage `json:"shippingAddress,omitempty"`

	// PriceUSD is the configured decimal price captured at quote time;
	// PriceUSDC is the same amount in USDC base units (6 decimals) as an
	// integer string.
	PriceUSD  float64 `json:"priceUsd,omitempty"`
	PriceUSDC string  `json:"priceUsdc,omitempty"`

	// Quote holds the provider's totals breakdown verbatim.
	Quote json.RawMessage `json:"quote,omitempty"`

	CrossmintOrderID string `json:"crossmintOrderId,omitempty"`

	// Signature is the transaction id of the broadcast fulfillment payment.
	Signature    string   `json:"signature,omitempty"`
	FulfillError string   `json:"fulfillError,omitempty"`
	Logs         []string `json:"logs,omitempty"`

	PaidAt    int64 `json:"paidAt,omitempty"`
	CreatedAt int64 `json:"createdAt,omitempty"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`

	CrossmintLastEvent *ProviderEvent `json:"crossmintLastEvent,omitempty"`
}
