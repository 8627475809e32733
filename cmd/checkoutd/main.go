package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yellowcat/checkout/internal/backend"
	"github.com/yellowcat/checkout/internal/checkout"
	"github.com/yellowcat/checkout/internal/handlers"
	"github.com/yellowcat/checkout/internal/platform/config"
	"github.com/yellowcat/checkout/internal/platform/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("checkoutd")

	if err := run(cfg, logger); err != nil {
		logger.Error("checkout host stopped", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	httpClient := backend.NewHTTPClient(cfg.Backend.RequestTimeout)
	storefront, err := backend.NewClient(cfg.Backend.BaseURL, httpClient)
	if err != nil {
		return fmt.Errorf("storefront client: %w", err)
	}
	hierarchy, err := backend.NewClient(cfg.Backend.HierarchyBaseURL, httpClient)
	if err != nil {
		return fmt.Errorf("hierarchy client: %w", err)
	}
	shipping, err := backend.NewClient(cfg.Backend.ShippingBaseURL, httpClient)
	if err != nil {
		return fmt.Errorf("shipping client: %w", err)
	}

	registry, err := checkout.NewRegistry(checkout.Deps{
		Divisions: backend.NewDivisionsClient(hierarchy),
		Quoter: backend.NewBreakerQuoter(backend.NewShippingClient(shipping), backend.BreakerSettings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenFor:             cfg.Breaker.OpenFor,
			Interval:            cfg.Breaker.Interval,
			Logger:              logger.Named("breaker"),
		}),
		Reverter:  backend.NewCartClient(storefront),
		Addresses: backend.NewAddressClient(storefront),
		Orders:    backend.NewOrderClient(storefront),
		Carts:     checkout.NewMemoryCartStore(),
		Settings: checkout.Settings{
			HierarchyTimeout:  cfg.Checkout.HierarchyTimeout,
			QuoteTimeout:      cfg.Checkout.QuoteTimeout,
			ReleaseTimeout:    cfg.Checkout.ReleaseTimeout,
			ParcelWeightGrams: cfg.Checkout.ParcelWeightGrams,
			AddressPageSize:   cfg.Checkout.AddressPageSize,
			RequireReadyQuote: cfg.Checkout.RequireReadyQuote,
		},
		Logger: logger.Named("checkout"),
	}, checkout.WithIdleTTL(cfg.Checkout.SessionIdleTTL))
	if err != nil {
		return fmt.Errorf("session registry: %w", err)
	}

	cookies, err := handlers.NewSessionCookies(handlers.CookieConfig{
		Name:     cfg.Cookie.Name,
		HashKey:  []byte(cfg.Cookie.HashKey),
		BlockKey: []byte(cfg.Cookie.BlockKey),
		Secure:   cfg.Cookie.Secure,
		MaxAge:   cfg.Checkout.SessionIdleTTL,
	})
	if err != nil {
		return fmt.Errorf("session cookies: %w", err)
	}

	health := handlers.NewHealthHandlers(handlers.WithHealthSessions(registry))
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithSessionRoutes(handlers.NewSessionHandlers(registry, cookies).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	group.Go(func() error {
		serverLogger.Info("checkout host listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return registry.Run(groupCtx, cfg.Checkout.SweepInterval)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		health.Drain()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("graceful shutdown: %w", err))
		}
		// Open sessions are abandoned once the host goes away.
		if err := registry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("release open sessions: %w", err))
		}
		return errors.Join(errs...)
	})
	return group.Wait()
}
