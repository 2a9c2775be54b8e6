package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/config"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/metrics"
	promcollector "github.com/mcclellann/coopledger/pkg/metrics/prometheus"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/resilience"
	"github.com/mcclellann/coopledger/pkg/settlement"
	"github.com/mcclellann/coopledger/pkg/tenancy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// serve runs the API until ctx is cancelled or the process is signalled.
func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	var collector metrics.Collector = metrics.NoOpCollector{}
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		pc := promcollector.NewPrometheusCollector(cfg.Metrics.Namespace)
		registry := prometheus.NewRegistry()
		if err := pc.Register(registry); err != nil {
			return err
		}
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, gatherer = pc, registry
	}

	idem, err := newIdempotency(cfg.Redis, logger)
	if err != nil {
		return err
	}
	if closer, ok := idem.(*payments.RedisIdempotency); ok {
		defer closer.Close()
	}

	tenants, err := tenancy.NewRegistry(cfg.Tenants,
		tenancy.DSNOpener(cfg.Database.Driver, cfg.Database.DSN), logger)
	if err != nil {
		return err
	}
	defer tenants.Close()

	authn, err := auth.New(cfg.Auth)
	if err != nil {
		return err
	}

	server := NewServer(Deps{
		Tenants:     tenants,
		Auth:        authn,
		Gateways:    newGateways(cfg, collector, logger),
		CallbackURL: cfg.Gateways.CallbackURL,
		Secrets: settlement.WebhookSecrets{
			Paystack: cfg.Gateways.Paystack.SecretKey,
			Stripe:   cfg.Gateways.Stripe.WebhookSecret,
		},
		EventTTL:    cfg.Gateways.EventTTL,
		Idempotency: idem,
		Metrics:     collector,
		Gatherer:    gatherer,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Jobs.ChargeInterval > 0 {
		go server.runChargeActivation(ctx, cfg.Jobs.ChargeInterval)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("address", cfg.HTTP.Address),
			zap.Int("tenants", len(cfg.Tenants)),
			zap.String("version", Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

// newGateways registers every gateway that has credentials, each behind its
// own circuit breaker.
func newGateways(cfg *config.Config, collector metrics.Collector, logger *logging.Logger) *payments.Registry {
	enabled := cfg.EnabledGateways()
	guard := func(g payments.Gateway) payments.Gateway {
		return payments.Guard(g, resilience.NewBreaker(g.Name(), cfg.Gateways.Breaker, collector, logger))
	}

	var gateways []payments.Gateway
	if enabled[payments.PaystackName] {
		gateways = append(gateways, guard(payments.NewPaystack(cfg.Gateways.Paystack)))
	}
	if enabled[payments.StripeName] {
		gateways = append(gateways, guard(payments.NewStripe(cfg.Gateways.Stripe)))
	}
	if enabled[payments.RemitaName] {
		gateways = append(gateways, guard(payments.NewRemita(cfg.Gateways.Remita)))
	}
	for _, g := range gateways {
		logger.Info("payment gateway enabled", zap.String("gateway", g.Name()))
	}
	return payments.NewRegistry(cfg.Gateways.Card, gateways...)
}

// newIdempotency shares webhook claims through Redis when an address is
// configured and keeps them in process otherwise.
func newIdempotency(cfg payments.RedisConfig, logger *logging.Logger) (payments.Idempotency, error) {
	if cfg.Addr == "" {
		logger.Warn("redis not configured, webhook deduplication is per instance")
		return payments.NewMemoryIdempotency(), nil
	}
	return payments.NewRedisIdempotency(cfg)
}
