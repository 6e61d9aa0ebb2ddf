// Command mcp-server exposes Solana RPC over MCP. Basic read endpoints are
// free; the heavier query endpoints are paid tools gated on an x402 payment
// carried in the request _meta.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/faremeter/x402-solana-demos/internal/order"
	"github.com/faremeter/x402-solana-demos/internal/x402"
)

// MCP _meta keys for the payment handshake.
const (
	paymentMetaKey         = "x402/payment"
	paymentResponseMetaKey = "x402/payment-response"
)

type serverConfig struct {
	RPCURL         string  `envconfig:"RPC_URL" required:"true"`
	FacilitatorURL string  `envconfig:"FAREMETER_FACILITATOR_URL" required:"true"`
	Network        string  `envconfig:"FAREMETER_NETWORK" default:"devnet"`
	PayToAddress   string  `envconfig:"PAYTO_ADDRESS" required:"true"`
	AssetAddress   string  `envconfig:"ASSET_ADDRESS" required:"true"`
	HostOrigin     string  `envconfig:"HOST_ORIGIN" required:"true"`
	PriceUSDC      float64 `envconfig:"PRICE_USDC" required:"true"`
	ListenAddr     string  `envconfig:"LISTEN_ADDR" default:":3333"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("mcp-server exited")
	}
}

func run() error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "mcp-server").Logger()

	_ = godotenv.Load()
	cfg := &serverConfig{}
	if err := envconfig.Process("", cfg); err != nil {
		return err
	}

	maxAmountRequired, err := order.USDToBaseUnits(cfg.PriceUSDC)
	if err != nil {
		return err
	}
	requirements := x402.PaymentRequirements{
		Scheme:            x402.SchemeSolanaSettlement,
		Network:           cfg.Network,
		MaxAmountRequired: maxAmountRequired,
		Resource:          cfg.HostOrigin + "/mcp/premium",
		Description:       "Premium Solana RPC endpoints",
		MimeType:          "application/json",
		PayTo:             cfg.PayToAddress,
		MaxTimeoutSeconds: 60,
		Asset:             cfg.AssetAddress,
	}

	gate := &paymentGate{
		facilitator:  x402.NewFacilitatorClient(cfg.FacilitatorURL),
		requirements: requirements,
		log:          logger,
	}

	tools := &solanaTools{rpc: rpc.New(cfg.RPCURL)}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "solana-rpc",
		Version: "0.0.1",
	}, nil)
	registerTools(server, tools, gate)

	sseHandler := mcpsdk.NewSSEHandler(func(_ *http.Request) *mcpsdk.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseHandler)
	mux.Handle("/messages", sseHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true}) //nolint:errcheck
	})

	logger.Info().Str("addr", cfg.ListenAddr).Str("network", cfg.Network).Msg("listening")
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type toolHandler func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error)

// paymentGate wraps premium tool handlers: the x402 payment payload travels
// in the request _meta, is verified before the tool runs, and settled after
// it succeeds. The settlement receipt is returned in the result _meta.
type paymentGate struct {
	facilitator  *x402.FacilitatorClient
	requirements x402.PaymentRequirements
	log          zerolog.Logger
}

func (g *paymentGate) wrap(handler toolHandler) toolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		payload := paymentFromMeta(req)
		if payload == nil {
			return g.paymentRequired("payment required"), nil
		}
		if payload.Scheme != g.requirements.Scheme || payload.Network != g.requirements.Network {
			return g.paymentRequired("payment does not match an accepted scheme"), nil
		}

		verify, err := g.facilitator.Verify(ctx, payload, g.requirements)
		if err != nil {
			g.log.Error().Err(err).Msg("facilitator verify failed")
			return errorResult(err), nil
		}
		if !verify.IsValid {
			return g.paymentRequired(verify.InvalidReason), nil
		}

		result, err := handler(ctx, req)
		if err != nil || result.IsError {
			// No charge for a failed tool call.
			return result, err
		}

		settle, err := g.facilitator.Settle(ctx, payload, g.requirements)
		if err != nil {
			g.log.Error().Err(err).Msg("facilitator settle failed")
			return g.paymentRequired(err.Error()), nil
		}
		if !settle.Success {
			return g.paymentRequired(settle.ErrorReason), nil
		}

		g.log.Info().Str("tool", req.Params.Name).Str("payer", settle.Payer).
			Str("transaction", settle.Transaction).Msg("payment settled")
		result.Meta = mcpsdk.Meta{paymentResponseMetaKey: settle}
		return result, nil
	}
}

// paymentRequired mirrors an HTTP 402: the requirements ride back to the
// client as the error content.
func (g *paymentGate) paymentRequired(reason string) *mcpsdk.CallToolResult {
	body, err := json.Marshal(x402.PaymentRequired{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{g.requirements},
	})
	if err != nil {
		return errorResult(err)
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
	}
}

func paymentFromMeta(req *mcpsdk.CallToolRequest) *x402.PaymentPayload {
	if req.Params.Meta == nil {
		return nil
	}
	raw, ok := req.Params.Meta.GetMeta()[paymentMetaKey]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	payload := &x402.PaymentPayload{}
	if err := json.Unmarshal(encoded, payload); err != nil {
		return nil
	}
	if payload.X402Version == 0 || len(payload.Payload) == 0 {
		return nil
	}
	return payload
}

func textResult(v any) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResult(err), nil
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}

func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
	}
}
