// Command amazon-demo runs the x402 Amazon storefront: a buyer quotes a
// product, pays over x402 with USDC on Solana, and the merchant wallet
// fulfills the order through Crossmint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/faremeter/x402-solana-demos/internal/config"
	"github.com/faremeter/x402-solana-demos/internal/crossmint"
	"github.com/faremeter/x402-solana-demos/internal/httpapi"
	"github.com/faremeter/x402-solana-demos/internal/lifecycle"
	"github.com/faremeter/x402-solana-demos/internal/notify"
	"github.com/faremeter/x402-solana-demos/internal/store"
	"github.com/faremeter/x402-solana-demos/internal/wallet"
	"github.com/faremeter/x402-solana-demos/internal/x402"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("amazon-demo exited")
	}
}

func run() error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "amazon-demo").Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redis := store.NewRedisStore(cfg.RedisAddr)
	if err := redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}

	merchant, err := wallet.New(cfg.PayToKeypair, cfg.RPCURL, cfg.AssetAddress, cfg.ConfirmTimeout)
	if err != nil {
		return fmt.Errorf("load merchant wallet: %w", err)
	}
	logger.Info().Str("address", merchant.Address()).Msg("merchant wallet loaded")

	var mailer notify.Mailer
	if cfg.ResendAPIKey != "" {
		mailer = notify.NewResendMailer(cfg.ResendAPIKey, cfg.EmailFrom)
	}
	notifier := notify.New(mailer, logger, cfg.Network, cfg.HostOrigin)

	manager := lifecycle.New(lifecycle.Config{
		Store:          redis,
		Provider:       crossmint.NewClient(cfg.CrossmintBaseURL, cfg.CrossmintAPIKey, cfg.AmazonASIN),
		Wallet:         merchant,
		Notifier:       notifier,
		Logger:         logger,
		PriceUSD:       cfg.PriceUSD,
		StuckThreshold: cfg.StuckThreshold,
	})

	api, err := httpapi.NewServer(httpapi.Config{
		Lifecycle:     manager,
		WebhookSecret: cfg.CrossmintWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	payGate := x402.PaymentMiddleware(cfg.PriceUSD, cfg.PayToAddress,
		x402.WithFacilitatorURL(cfg.FacilitatorURL),
		x402.WithNetwork(cfg.Network),
		x402.WithAsset(cfg.AssetAddress),
		x402.WithResource(cfg.HostOrigin+"/pay"),
		x402.WithDescription(fmt.Sprintf("Amazon order %s", cfg.AmazonASIN)),
		x402.WithLogger(logger),
	)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(payGate),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Stuck-order sweep.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), cfg.SweepInterval)
		defer cancel()
		if _, err := manager.Sweep(sweepCtx); err != nil {
			logger.Error().Err(err).Msg("sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
