// Package crossmint is a minimal client for the Crossmint orders API, the
// external fulfillment provider that turns a paid order into a real-world
// delivery. Only the three calls the lifecycle needs are implemented: create
// a draft order, declare the payer to obtain a prepared payment transaction,
// and fetch an order to recover that transaction.
package crossmint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/faremeter/x402-solana-demos/internal/retry"
)

// DefaultBaseURL targets the Crossmint staging environment used by the demo.
const DefaultBaseURL = "https://staging.crossmint.com/api/2022-06-09"

const (
	paymentMethod   = "solana"
	paymentCurrency = "usdc"
	orderLocale     = "en-US"

	readAttempts  = 3
	readBaseDelay = 200 * time.Millisecond
)

// APIError is a non-2xx response from the provider. Body is kept verbatim;
// callers truncate before exposing it.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crossmint: status %d: %s", e.StatusCode, e.Body)
}

// Client calls the Crossmint orders API.
type Client struct {
	baseURL string
	apiKey  string
	asin    string
	http    *http.Client
}

// NewClient creates a provider client selling the single configured Amazon
// product. baseURL falls back to DefaultBaseURL when empty.
func NewClient(baseURL, apiKey, asin string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		asin:    asin,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Quote is the subset of a provider order the lifecycle cares about.
type Quote struct {
	// Ref is the provider-assigned order id, used as the secondary index.
	Ref string
	// Totals is the provider's price breakdown, stored verbatim.
	Totals json.RawMessage
}

type orderResponse struct {
	ID    string `json:"id"`
	Order struct {
		OrderID string `json:"orderId"`
	} `json:"order"`
	Totals  json.RawMessage `json:"totals"`
	Payment struct {
		Preparation struct {
			SerializedTransaction string `json:"serializedTransaction"`
		} `json:"preparation"`
	} `json:"payment"`
}

func (r *orderResponse) ref() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Order.OrderID
}

// CreateOrder creates a draft order for the configured product. The payer
// address is intentionally omitted; it is declared later during fulfillment.
func (c *Client) CreateOrder(ctx context.Context, email string, shippingAddress json.RawMessage) (*Quote, error) {
	body := map[string]interface{}{
		"recipient": map[string]interface{}{
			"email":           email,
			"physicalAddress": shippingAddress,
		},
		"locale": orderLocale,
		"payment": map[string]string{
			"method":   paymentMethod,
			"currency": paymentCurrency,
		},
		"lineItems": []map[string]string{
			{"productLocator": "amazon:" + c.asin},
		},
	}

	var parsed orderResponse
	err := retry.Do(ctx, readAttempts, readBaseDelay, func() error {
		resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/orders", body)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		parsed = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Quote{Ref: parsed.ref(), Totals: parsed.Totals}, nil
}

// PreparePayment tells the provider the merchant wallet will pay and returns
// the prepared serialized transaction when the response carries one. The
// provider rejects a second preparation for the same order; that idempotency
// error is absorbed and reported as an empty transaction so the caller can
// fetch the existing one instead.
func (c *Client) PreparePayment(ctx context.Context, ref, payerAddress string) (string, error) {
	body := map[string]interface{}{
		"payment": map[string]string{
			"method":       paymentMethod,
			"currency":     paymentCurrency,
			"payerAddress": payerAddress,
		},
	}

	resp, err := c.do(ctx, http.MethodPatch, c.baseURL+"/orders/"+ref, body)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && strings.Contains(apiErr.Body, "already has a txId") {
			return "", nil
		}
		return "", err
	}
	return resp.Payment.Preparation.SerializedTransaction, nil
}

// PreparedTransaction fetches the order and returns its prepared serialized
// transaction, empty when the provider has not produced one yet.
func (c *Client) PreparedTransaction(ctx context.Context, ref string) (string, error) {
	var parsed orderResponse
	err := retry.Do(ctx, readAttempts, readBaseDelay, func() error {
		resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/orders/"+ref, nil)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		parsed = resp
		return nil
	})
	if err != nil {
		return "", err
	}
	return parsed.Payment.Preparation.SerializedTransaction, nil
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (orderResponse, error) {
	var parsed orderResponse

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return parsed, pkgerrors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return parsed, pkgerrors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return parsed, pkgerrors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return parsed, pkgerrors.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parsed, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsed, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return parsed, nil
}
