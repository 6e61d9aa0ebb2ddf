// Package store abstracts the key-value document store behind the order
// lifecycle. The store is the only shared mutable resource in the system; it
// is assumed to provide nothing stronger than last-write-wins per key, which
// is why callers always re-read before writing and merge status monotonically.
package store

import "context"

const (
	orderKeyPrefix = "order:"
	refKeyPrefix   = "xmint:"
)

// Store is a minimal JSON document store keyed by string. Implementations
// must be safe for concurrent use.
type Store interface {
	// GetJSON unmarshals the document at key into dest. The boolean reports
	// whether the key existed.
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)

	// SetJSON marshals value and writes it at key, replacing any previous
	// document.
	SetJSON(ctx context.Context, key string, value interface{}) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// OrderKey returns the storage key for an order document.
func OrderKey(orderID string) string { return orderKeyPrefix + orderID }

// OrderKeyPrefix returns the prefix under which all order documents live.
func OrderKeyPrefix() string { return orderKeyPrefix }

// RefKey returns the storage key mapping a provider order id back to the
// local order id.
func RefKey(providerOrderID string) string { return refKeyPrefix + providerOrderID }

// RefMapping is the document stored at RefKey.
type RefMapping struct {
	OrderID string `json:"orderId"`
}
