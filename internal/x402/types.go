// Package x402 implements the server side of the x402 payment protocol:
// the wire types, the X-PAYMENT header codec, a facilitator client, and a
// gin middleware that gates a route behind a verified and settled payment.
package x402

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Version is the protocol version carried in every payload and 402 body.
const Version = 1

// SchemeSolanaSettlement is the payment scheme handled by the Solana
// settlement facilitator.
const SchemeSolanaSettlement = "@faremeter/x-solana-settlement"

// Header names used on the paid-route boundary.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes one way a client may pay for a resource. It
// is advertised in the 402 body and echoed back to the facilitator alongside
// the payment payload.
type PaymentRequirements struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	Asset             string           `json:"asset"`
	OutputSchema      *json.RawMessage `json:"outputSchema,omitempty"`
	Extra             *json.RawMessage `json:"extra,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT header. The scheme-specific proof
// is kept opaque; only the facilitator interprets it.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// PaymentRequired is the JSON body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse is the facilitator's verdict on a payment payload.
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's settlement result.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// DecodePaymentHeader decodes a base64 X-PAYMENT header value into a
// PaymentPayload.
func DecodePaymentHeader(value string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, errors.Wrap(err, "payment header is not base64")
	}
	payload := &PaymentPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, errors.Wrap(err, "payment header is not a payment payload")
	}
	return payload, nil
}

// EncodePaymentHeader encodes a PaymentPayload for the X-PAYMENT header.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal payment payload")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettleHeader encodes a settlement result for the X-PAYMENT-RESPONSE
// header.
func EncodeSettleHeader(settle *SettleResponse) (string, error) {
	raw, err := json.Marshal(settle)
	if err != nil {
		return "", errors.Wrap(err, "marshal settle response")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettleHeader(value string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, errors.Wrap(err, "settle header is not base64")
	}
	settle := &SettleResponse{}
	if err := json.Unmarshal(raw, settle); err != nil {
		return nil, errors.Wrap(err, "settle header is not a settle response")
	}
	return settle, nil
}
