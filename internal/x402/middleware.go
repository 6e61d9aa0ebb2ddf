package x402

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/faremeter/x402-solana-demos/internal/order"
)

// payerContextKey is where the middleware stashes the verified payer address.
const payerContextKey = "x402.payer"

// PaymentMiddlewareOptions configures PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	FacilitatorURL    string
	Facilitator       *FacilitatorClient
	Network           string
	Asset             string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	Resource          string
	ResourceRootURL   string
	Logger            zerolog.Logger
}

// Option mutates PaymentMiddlewareOptions.
type Option func(*PaymentMiddlewareOptions)

// WithFacilitatorURL points the middleware at a facilitator service.
func WithFacilitatorURL(url string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.FacilitatorURL = url
	}
}

// WithFacilitator injects a prebuilt facilitator client.
func WithFacilitator(client *FacilitatorClient) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.Facilitator = client
	}
}

// WithNetwork sets the settlement network, e.g. "devnet" or "mainnet-beta".
func WithNetwork(network string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.Network = network
	}
}

// WithAsset sets the SPL token mint payments must use.
func WithAsset(asset string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.Asset = asset
	}
}

// WithDescription sets the human-readable resource description.
func WithDescription(description string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType sets the advertised response mime type.
func WithMimeType(mimeType string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithMaxTimeoutSeconds sets the payment deadline advertised to clients.
func WithMaxTimeoutSeconds(maxTimeoutSeconds int) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.MaxTimeoutSeconds = maxTimeoutSeconds
	}
}

// WithResource sets a fixed resource URL instead of deriving it per request.
func WithResource(resource string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL sets the origin prepended to the request path when no
// fixed resource is configured.
func WithResourceRootURL(resourceRootURL string) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithLogger sets the middleware logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware gates a gin route behind an x402 payment settled on
// Solana. Requests without a valid X-PAYMENT header get a 402 carrying the
// payment requirements. Valid payments are verified with the facilitator
// before the handler runs and settled after it succeeds; the settlement
// receipt travels back in the X-PAYMENT-RESPONSE header. The handler's
// response is buffered so a failed settlement can still turn into a 402.
//
// priceUSD is the decimal USD amount to charge (ex: 0.05 for 5 cents).
func PaymentMiddleware(priceUSD float64, payTo string, opts ...Option) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		Network:           "devnet",
		MaxTimeoutSeconds: 60,
		MimeType:          "application/json",
		Logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(options)
	}

	facilitator := options.Facilitator
	if facilitator == nil {
		facilitator = NewFacilitatorClient(options.FacilitatorURL)
	}
	log := options.Logger

	return func(c *gin.Context) {
		maxAmountRequired, err := order.USDToBaseUnits(priceUSD)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": Version,
			})
			return
		}

		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		requirements := PaymentRequirements{
			Scheme:            SchemeSolanaSettlement,
			Network:           options.Network,
			MaxAmountRequired: maxAmountRequired,
			Resource:          resource,
			Description:       options.Description,
			MimeType:          options.MimeType,
			PayTo:             payTo,
			MaxTimeoutSeconds: options.MaxTimeoutSeconds,
			Asset:             options.Asset,
		}

		abortPaymentRequired := func(reason string) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, PaymentRequired{
				X402Version: Version,
				Error:       reason,
				Accepts:     []PaymentRequirements{requirements},
			})
		}

		header := c.GetHeader(PaymentHeader)
		if header == "" {
			abortPaymentRequired("X-PAYMENT header is required")
			return
		}
		payload, err := DecodePaymentHeader(header)
		if err != nil {
			abortPaymentRequired(err.Error())
			return
		}
		payload.X402Version = Version
		if payload.Scheme != requirements.Scheme || payload.Network != requirements.Network {
			abortPaymentRequired("payment does not match an accepted scheme")
			return
		}

		verify, err := facilitator.Verify(c.Request.Context(), payload, requirements)
		if err != nil {
			log.Error().Err(err).Msg("facilitator verify failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": Version,
			})
			return
		}
		if !verify.IsValid {
			log.Warn().Str("reason", verify.InvalidReason).Msg("payment rejected")
			abortPaymentRequired(verify.InvalidReason)
			return
		}
		c.Set(payerContextKey, verify.Payer)

		// Buffer the handler's response so settlement failure can still be
		// reported as a 402 instead of trailing a committed body.
		buffered := &bufferedWriter{ResponseWriter: c.Writer, statusCode: http.StatusOK}
		c.Writer = buffered
		c.Next()
		c.Writer = buffered.ResponseWriter

		if c.IsAborted() || buffered.statusCode >= http.StatusBadRequest {
			// The caller does not get charged for a failed response.
			c.Writer.WriteHeader(buffered.statusCode)
			c.Writer.Write([]byte(buffered.body.String())) //nolint:errcheck
			return
		}

		settle, err := facilitator.Settle(c.Request.Context(), payload, requirements)
		if err == nil && !settle.Success {
			reason := settle.ErrorReason
			if reason == "" {
				reason = "settlement failed"
			}
			err = errors.New(reason)
		}
		if err != nil {
			log.Error().Err(err).Msg("facilitator settle failed")
			abortPaymentRequired(err.Error())
			return
		}

		settleHeader, err := EncodeSettleHeader(settle)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": Version,
			})
			return
		}

		log.Info().Str("payer", settle.Payer).Str("transaction", settle.Transaction).
			Msg("payment settled")
		c.Header(PaymentResponseHeader, settleHeader)
		c.Writer.WriteHeader(buffered.statusCode)
		c.Writer.Write([]byte(buffered.body.String())) //nolint:errcheck
	}
}

// Payer returns the verified payer address placed in the context by
// PaymentMiddleware, or empty when the route was not payment-gated.
func Payer(c *gin.Context) string {
	return c.GetString(payerContextKey)
}

// bufferedWriter captures the handler's response until settlement decides
// whether it may be released.
type bufferedWriter struct {
	gin.ResponseWriter
	body       strings.Builder
	statusCode int
	written    bool
}

func (w *bufferedWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}
