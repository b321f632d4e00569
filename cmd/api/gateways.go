package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/printcraft/api/internal/catalog"
	"github.com/printcraft/api/internal/di"
	"github.com/printcraft/api/internal/fulfillment"
	"github.com/printcraft/api/internal/payments"
	"github.com/printcraft/api/internal/platform/config"
	"github.com/printcraft/api/internal/platform/jobs"
	"github.com/printcraft/api/internal/platform/partnerapi"
	platformstorage "github.com/printcraft/api/internal/platform/storage"
	"github.com/printcraft/api/internal/repositories"
)

const partnerProbeTimeout = 500 * time.Millisecond

// runtimeGateways holds the external integrations plus the extras main needs
// for routing and readiness.
type runtimeGateways struct {
	di.Gateways
	webhookVerifier *payments.StripeWebhookVerifier
	checks          []repositories.DependencyCheck
}

func buildGateways(ctx context.Context, cfg config.Config, logger *zap.Logger, meter metric.Meter) (runtimeGateways, func(), error) {
	var (
		out     runtimeGateways
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (runtimeGateways, func(), error) {
		closeAll()
		return runtimeGateways{}, func() {}, err
	}

	breaker := partnerapi.BreakerSettings{
		MaxRequests:  cfg.Breaker.MaxRequests,
		Interval:     cfg.Breaker.Interval,
		OpenTimeout:  cfg.Breaker.OpenTimeout,
		MinRequests:  cfg.Breaker.MinRequests,
		FailureRatio: cfg.Breaker.FailureRatio,
	}
	partnerLogger := logger.Named("partner")

	catalogClient, err := partnerapi.NewClient(partnerapi.Config{
		Name:    "catalog",
		BaseURL: cfg.Catalog.BaseURL,
		APIKey:  cfg.Catalog.APIKey,
		StoreID: cfg.Fulfillment.StoreID,
		Timeout: cfg.Catalog.Timeout,
		Breaker: breaker,
	}, partnerapi.WithLogger(partnerLogger), partnerapi.WithMeter(meter))
	if err != nil {
		return fail(fmt.Errorf("catalog client: %w", err))
	}
	catalogGateway, err := catalog.NewHTTPGateway(catalogClient, catalog.WithCacheTTL(cfg.Catalog.CacheTTL))
	if err != nil {
		return fail(fmt.Errorf("catalog gateway: %w", err))
	}
	out.Catalog = catalogGateway

	fulfillmentClient, err := partnerapi.NewClient(partnerapi.Config{
		Name:    "fulfillment",
		BaseURL: cfg.Fulfillment.BaseURL,
		APIKey:  cfg.Fulfillment.APIKey,
		StoreID: cfg.Fulfillment.StoreID,
		Timeout: cfg.Fulfillment.Timeout,
		Breaker: breaker,
	}, partnerapi.WithLogger(partnerLogger), partnerapi.WithMeter(meter))
	if err != nil {
		return fail(fmt.Errorf("fulfillment client: %w", err))
	}
	fulfillmentGateway, err := fulfillment.NewHTTPGateway(fulfillmentClient, cfg.Fulfillment.AutoConfirm)
	if err != nil {
		return fail(fmt.Errorf("fulfillment gateway: %w", err))
	}
	out.Fulfillment = fulfillmentGateway

	for _, client := range []*partnerapi.Client{catalogClient, fulfillmentClient} {
		out.checks = append(out.checks, repositories.DependencyCheck{
			Name:    client.Name(),
			Timeout: partnerProbeTimeout,
			Check:   client.Check,
		})
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: eventLogger(logger.Named("payments")),
		Clock:  time.Now,
	})
	if err != nil {
		return fail(fmt.Errorf("stripe provider: %w", err))
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": stripeProvider})
	if err != nil {
		return fail(fmt.Errorf("payment manager: %w", err))
	}
	out.Payments = manager

	verifier, err := payments.NewStripeWebhookVerifier(cfg.PSP.StripeWebhookSecret)
	if err != nil {
		return fail(fmt.Errorf("stripe webhook verifier: %w", err))
	}
	out.webhookVerifier = verifier

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return fail(fmt.Errorf("storage client: %w", err))
	}
	closers = append(closers, func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	})
	copier, err := platformstorage.NewCopier(storageClient)
	if err != nil {
		return fail(fmt.Errorf("storage copier: %w", err))
	}
	out.Copier = copier

	signerKey := strings.TrimSpace(cfg.Storage.SignerKey)
	if signerKey == "" {
		return fail(errors.New("storage signer key is required"))
	}
	signer, err := platformstorage.NewServiceAccountSignerFromSecret(signerKey)
	if err != nil {
		return fail(fmt.Errorf("storage signer: %w", err))
	}
	urls, err := platformstorage.NewClient(signer, platformstorage.WithDefaultTTL(cfg.Storage.SignedURLTTL))
	if err != nil {
		return fail(fmt.Errorf("signed url client: %w", err))
	}
	out.AssetURLs = urls

	notifier, closeNotifier, err := buildNotifier(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if notifier != nil {
		closers = append(closers, closeNotifier)
		out.Notifier = notifier
	}

	return out, closeAll, nil
}

func buildNotifier(ctx context.Context, cfg config.Config) (*jobs.PubSubOrderNotifier, func(), error) {
	topicID := strings.TrimSpace(cfg.Notifications.Topic)
	if topicID == "" {
		return nil, func() {}, nil
	}
	projectID := strings.TrimSpace(cfg.Notifications.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(cfg.Firestore.ProjectID)
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	notifier, err := jobs.NewPubSubOrderNotifier(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return notifier, func() {
		topic.Stop()
		_ = client.Close()
	}, nil
}
