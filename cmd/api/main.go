package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/printcraft/api/internal/di"
	"github.com/printcraft/api/internal/handlers"
	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/platform/config"
	pfirestore "github.com/printcraft/api/internal/platform/firestore"
	"github.com/printcraft/api/internal/platform/idempotency"
	"github.com/printcraft/api/internal/platform/observability"
	firestoreRepo "github.com/printcraft/api/internal/repositories/firestore"
	"github.com/printcraft/api/internal/services"
)

const meterName = "github.com/printcraft/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	meter := otel.GetMeterProvider().Meter(meterName)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	gateways, closeGateways, err := buildGateways(ctx, cfg, logger, meter)
	if err != nil {
		logger.Fatal("failed to initialise gateways", zap.Error(err))
	}

	checks := append(gateways.checks, secretManagerCheck(fetcher))
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, checks...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, gateways.Gateways, di.Options{
		Meter:  meter,
		Logger: eventLogger(logger.Named("pipeline")),
		Build:  buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to initialise container", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider, "")
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	startIdempotencyCleanup(cleanupCtx, &cleanupWG, idempotencyStore, cfg.Idempotency, logger.Named("idempotency"))

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier,
		auth.WithLogger(logger.Named("auth")),
		auth.WithMeter(meter),
	)

	pipeline := container.Services.Pipeline
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, pipeline,
		handlers.WithCheckoutRateLimit(cfg.Checkout.RateLimit, cfg.Checkout.RateWindow, time.Now),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, pipeline)
	internalHandlers := handlers.NewInternalOrderHandlers(pipeline)
	paymentWebhooks := handlers.NewPaymentWebhookHandlers(gateways.webhookVerifier, pipeline)

	webhookRoutes := []handlers.RouteRegistrar{paymentWebhooks.Routes}
	if hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), meter, auth.NewFirestoreNonceStore(firestoreProvider), cfg); hmacMiddleware != nil {
		shipmentWebhooks := handlers.NewShipmentWebhookHandlers(pipeline, hmacMiddleware)
		webhookRoutes = append(webhookRoutes, shipmentWebhooks.Routes)
	} else {
		logger.Warn("shipment webhook disabled: no fulfillment hmac secret configured")
	}

	projectID := traceProjectID(cfg)
	middlewares := []handlers.Middleware{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithReadinessService(container.Services.Readiness),
	)

	routes := handlers.Routes{
		Middlewares: middlewares,
		Health:      healthHandlers,
		Checkout:    checkoutHandlers.Routes,
		Orders:      orderHandlers.Routes,
		Webhooks:    webhookRoutes,
		Internal:    internalHandlers.Routes,
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), meter, cfg); oidcMiddleware != nil {
		routes.InternalMiddleware = []handlers.Middleware{oidcMiddleware}
	} else {
		logger.Warn("internal routes disabled: oidc verification not configured")
		routes.InternalMiddleware = []handlers.Middleware{rejectAll}
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(routes),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("printcraft api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
	closeGateways()
}

// eventLogger adapts zap to the structured event loggers used across services.
func eventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		switch eventLevel(event) {
		case zap.ErrorLevel:
			logger.Error(event, zFields...)
		case zap.WarnLevel:
			logger.Warn(event, zFields...)
		default:
			logger.Info(event, zFields...)
		}
	}
}

func eventLevel(event string) zapcore.Level {
	switch {
	case strings.Contains(event, "failed"),
		strings.HasSuffix(event, "after_cancel"),
		strings.HasSuffix(event, "invariant_violated"):
		return zap.ErrorLevel
	case strings.HasSuffix(event, "mismatch"),
		strings.HasSuffix(event, "skipped"),
		strings.HasSuffix(event, "dropped"):
		return zap.WarnLevel
	}
	return zap.InfoLevel
}

func startIdempotencyCleanup(ctx context.Context, wg *sync.WaitGroup, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig, logger *zap.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				removed, err := store.Purge(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancel()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	info := services.BuildInfo{
		Version:     strings.TrimSpace(env["API_BUILD_VERSION"]),
		CommitSHA:   strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]),
		Environment: strings.TrimSpace(cfg.Security.Environment),
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.CommitSHA == "" {
		info.CommitSHA = "unknown"
	}
	if info.Environment == "" {
		info.Environment = "local"
	}
	return info
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
