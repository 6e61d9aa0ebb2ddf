package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// DefaultFacilitatorURL is the public Solana settlement facilitator.
const DefaultFacilitatorURL = "https://facilitator.faremeter.xyz"

const facilitatorTimeout = 30 * time.Second

// FacilitatorClient talks to a remote facilitator's /verify and /settle
// endpoints.
type FacilitatorClient struct {
	url  string
	http *http.Client
}

// NewFacilitatorClient builds a client for the facilitator at url. An empty
// url selects DefaultFacilitatorURL.
func NewFacilitatorClient(url string) *FacilitatorClient {
	if url == "" {
		url = DefaultFacilitatorURL
	}
	return &FacilitatorClient{
		url:  url,
		http: &http.Client{Timeout: facilitatorTimeout},
	}
}

// facilitatorRequest is the body of both /verify and /settle.
type facilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      *PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Verify asks the facilitator whether the payment proof satisfies the
// requirements. An invalid payment is returned as a response, not an error;
// errors mean the facilitator itself could not be consulted.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	body, status, err := c.post(ctx, "/verify", payload, requirements)
	if err != nil {
		return nil, err
	}

	verify := &VerifyResponse{}
	if err := json.Unmarshal(body, verify); err != nil {
		return nil, errors.Wrapf(err, "facilitator verify returned %d with an unreadable body", status)
	}
	if status != http.StatusOK && verify.InvalidReason == "" {
		return nil, errors.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	return verify, nil
}

// Settle executes the payment on chain through the facilitator.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	body, status, err := c.post(ctx, "/settle", payload, requirements)
	if err != nil {
		return nil, err
	}

	settle := &SettleResponse{}
	if err := json.Unmarshal(body, settle); err != nil {
		return nil, errors.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	if status != http.StatusOK && settle.ErrorReason == "" {
		return nil, errors.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	return settle, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload *PaymentPayload, requirements PaymentRequirements) ([]byte, int, error) {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshal facilitator request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "create facilitator %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "facilitator %s request failed", path)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read facilitator response")
	}
	return responseBody, resp.StatusCode, nil
}
