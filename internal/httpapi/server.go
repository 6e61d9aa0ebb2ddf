// Package httpapi exposes the demo storefront over HTTP: quote issuance, the
// x402-gated payment callback, fulfillment, status polling, and the Crossmint
// webhook. Handlers translate between the JSON envelope and the lifecycle
// manager; no order logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	svix "github.com/svix/svix-webhooks/go"
	"github.com/xeipuuv/gojsonschema"

	"github.com/faremeter/x402-solana-demos/internal/lifecycle"
)

// Lifecycle is the slice of the order manager the HTTP layer needs.
type Lifecycle interface {
	Quote(ctx context.Context, req lifecycle.QuoteRequest) (*lifecycle.QuoteResult, error)
	MarkPaid(ctx context.Context, orderID string) (*lifecycle.PaidResult, error)
	Fulfill(ctx context.Context, orderID string) (*lifecycle.FulfillResult, error)
	Status(ctx context.Context, orderID string) (*lifecycle.StatusResult, error)
	HandleWebhook(ctx context.Context, eventType, providerOrderID string) error
}

// quoteSchema validates the /quote request body before it reaches the
// lifecycle manager.
const quoteSchema = `{
	"type": "object",
	"properties": {
		"orderId": {"type": "string"},
		"email": {"type": "string", "minLength": 3},
		"shippingAddress": {"type": "object"}
	},
	"required": ["email", "shippingAddress"]
}`

// Server wires the gin router.
type Server struct {
	lifecycle      Lifecycle
	webhook        *svix.Webhook
	log            zerolog.Logger
	quoteValidator *gojsonschema.Schema
}

// Config configures NewServer.
type Config struct {
	Lifecycle Lifecycle
	// WebhookSecret is the svix signing secret for Crossmint webhooks. When
	// empty the webhook route rejects everything.
	WebhookSecret string
	Logger        zerolog.Logger
}

// NewServer builds the HTTP layer. The error is only non-nil for a malformed
// webhook secret.
func NewServer(cfg Config) (*Server, error) {
	s := &Server{lifecycle: cfg.Lifecycle, log: cfg.Logger}

	validator, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(quoteSchema))
	if err != nil {
		return nil, err
	}
	s.quoteValidator = validator

	if cfg.WebhookSecret != "" {
		wh, err := svix.NewWebhook(cfg.WebhookSecret)
		if err != nil {
			return nil, err
		}
		s.webhook = wh
	}
	return s, nil
}

// Router assembles the gin engine. payGate guards the /pay route; pass the
// x402 payment middleware there.
func (s *Server) Router(payGate gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cors())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/quote", s.handleQuote)
	r.POST("/pay", payGate, s.handlePaid)
	r.POST("/fulfill", s.handleFulfill)
	r.GET("/status", s.handleStatus)
	r.POST("/webhook", s.handleWebhook)
	return r
}

// cors mirrors the storefront's permissive CORS policy, including the
// Crossmint signature header on preflight.
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "content-type,authorization,x-payment,x-crossmint-signature")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleQuote(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, &lifecycle.Error{Code: "invalid_body", Status: http.StatusBadRequest})
		return
	}

	result, err := s.quoteValidator.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		s.fail(c, &lifecycle.Error{Code: "invalid_body", Status: http.StatusBadRequest, Details: err.Error()})
		return
	}
	if !result.Valid() {
		details := ""
		if errs := result.Errors(); len(errs) > 0 {
			details = errs[0].String()
		}
		s.fail(c, &lifecycle.Error{Code: "invalid_body", Status: http.StatusBadRequest, Details: details})
		return
	}

	var req lifecycle.QuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(c, &lifecycle.Error{Code: "invalid_body", Status: http.StatusBadRequest, Details: err.Error()})
		return
	}

	quote, err := s.lifecycle.Quote(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, quote)
}

type orderRef struct {
	OrderID string `json:"orderId"`
}

func (s *Server) handlePaid(c *gin.Context) {
	var ref orderRef
	if err := c.ShouldBindJSON(&ref); err != nil || ref.OrderID == "" {
		s.fail(c, &lifecycle.Error{Code: "missing_orderId", Status: http.StatusBadRequest})
		return
	}

	paid, err := s.lifecycle.MarkPaid(c.Request.Context(), ref.OrderID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, paid)
}

func (s *Server) handleFulfill(c *gin.Context) {
	var ref orderRef
	if err := c.ShouldBindJSON(&ref); err != nil || ref.OrderID == "" {
		s.fail(c, &lifecycle.Error{Code: "missing_orderId", Status: http.StatusBadRequest})
		return
	}

	fulfillment, err := s.lifecycle.Fulfill(c.Request.Context(), ref.OrderID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, fulfillment)
}

func (s *Server) handleStatus(c *gin.Context) {
	orderID := c.Query("orderId")
	if orderID == "" {
		s.fail(c, &lifecycle.Error{Code: "missing_orderId", Status: http.StatusBadRequest})
		return
	}

	status, err := s.lifecycle.Status(c.Request.Context(), orderID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, status)
}

// webhookEvent is the subset of a Crossmint webhook message the demo reads.
// The provider id has moved between fields across API revisions.
type webhookEvent struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  struct {
		ID      string `json:"id"`
		OrderID string `json:"orderId"`
		Order   struct {
			ID string `json:"id"`
		} `json:"order"`
	} `json:"data"`
}

func (ev *webhookEvent) eventType() string {
	if ev.Type != "" {
		return ev.Type
	}
	return ev.Event
}

func (ev *webhookEvent) providerOrderID() string {
	switch {
	case ev.Data.ID != "":
		return ev.Data.ID
	case ev.Data.OrderID != "":
		return ev.Data.OrderID
	default:
		return ev.Data.Order.ID
	}
}

func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, &lifecycle.Error{Code: "invalid_body", Status: http.StatusBadRequest})
		return
	}

	if c.GetHeader("svix-id") == "" || c.GetHeader("svix-timestamp") == "" || c.GetHeader("svix-signature") == "" {
		s.fail(c, &lifecycle.Error{Code: "missing_svix_headers", Status: http.StatusBadRequest})
		return
	}
	if s.webhook == nil {
		s.fail(c, &lifecycle.Error{Code: "webhook_not_configured", Status: http.StatusServiceUnavailable})
		return
	}
	if err := s.webhook.Verify(payload, c.Request.Header); err != nil {
		s.fail(c, &lifecycle.Error{Code: "invalid_signature", Status: http.StatusBadRequest, Details: truncate(err.Error(), 100)})
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		// Authentic but unparseable; acknowledge so the provider stops retrying.
		s.log.Warn().Err(err).Msg("unparseable webhook payload")
		c.String(http.StatusOK, "ok")
		return
	}

	if err := s.lifecycle.HandleWebhook(c.Request.Context(), ev.eventType(), ev.providerOrderID()); err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, "ok")
}

// ok writes the success envelope: the result's fields spread next to ok:true.
func (s *Server) ok(c *gin.Context, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.fail(c, err)
		return
	}
	fields := gin.H{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		s.fail(c, err)
		return
	}
	fields["ok"] = true
	c.JSON(http.StatusOK, fields)
}

func (s *Server) fail(c *gin.Context, err error) {
	if lcErr, ok := err.(*lifecycle.Error); ok {
		body := gin.H{"ok": false, "error": lcErr.Code}
		if lcErr.Details != "" {
			body["details"] = lcErr.Details
		}
		c.AbortWithStatusJSON(lcErr.HTTPStatus(), body)
		return
	}
	s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal_error"})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
