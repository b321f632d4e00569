package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/platform/config"
	"github.com/printcraft/api/internal/repositories"
	"github.com/printcraft/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Ledger        services.OrderLedger
	Validator     services.OrderValidator
	Submitter     services.FulfillmentSubmitter
	Compensation  services.CompensationEngine
	Notifications services.NotificationDispatcher
	Pipeline      services.OrderPipeline
	Readiness     services.ReadinessService
}

// Gateways carries the external integrations the pipeline talks to. main builds
// them from configuration; tests pass fakes.
type Gateways struct {
	Catalog     services.CatalogGateway
	Fulfillment services.FulfillmentGateway
	Payments    services.PaymentGateway
	AssetURLs   services.AssetURLResolver
	Copier      services.AssetCopier
	Notifier    services.OrderNotifier
}

// Options tune container construction.
type Options struct {
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Build       services.BuildInfo
	Clock       func() time.Time
	IDGenerator func() string
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, gw Gateways, opts Options) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, reg, gw, opts)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close drains in-flight notifications and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Notifications != nil {
		if err := c.Services.Notifications.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, gw Gateways, opts Options) (Services, error) {
	var svc Services
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	metrics, err := services.NewPipelineMetrics(opts.Meter)
	if err != nil {
		return Services{}, fmt.Errorf("build pipeline metrics: %w", err)
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := opts.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		readinessSvc, err := services.NewReadinessService(services.ReadinessServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.Readiness = readinessSvc
	}

	orderNumbers, err := services.NewOrderNumberService(services.OrderNumberServiceDeps{
		Sequences: reg.Sequences(),
		Clock:     clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order number service: %w", err)
	}

	ledger, err := services.NewOrderLedger(services.OrderLedgerDeps{
		Orders:             reg.Orders(),
		OrderNumbers:       orderNumbers,
		Clock:              clock,
		IDGenerator:        opts.IDGenerator,
		SubmissionLeaseTTL: cfg.Fulfillment.SubmissionLeaseTTL,
		Logger:             opts.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order ledger: %w", err)
	}
	svc.Ledger = ledger

	validator, err := services.NewOrderValidator(services.OrderValidatorDeps{
		Catalog:  gw.Catalog,
		Designs:  reg.Designs(),
		Currency: cfg.Checkout.Currency,
		Pricing: domain.PricingPolicy{
			ShippingFlatFee:    cfg.Checkout.ShippingFlatFee,
			TaxRateBasisPoints: cfg.Checkout.TaxRateBasisPoints,
		},
		MaxLineItems: cfg.Checkout.MaxLineItems,
		MaxQuantity:  cfg.Checkout.MaxQuantity,
		Clock:        clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order validator: %w", err)
	}
	svc.Validator = validator

	submitter, err := services.NewFulfillmentSubmitter(services.FulfillmentSubmitterDeps{
		Gateway: gw.Fulfillment,
		Designs: reg.Designs(),
		URLs:    gw.AssetURLs,
		Metrics: metrics,
		Logger:  opts.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment submitter: %w", err)
	}
	svc.Submitter = submitter

	if gw.Notifier != nil {
		dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
			Notifier: gw.Notifier,
			Timeout:  cfg.Notifications.Timeout,
			Logger:   opts.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build notification dispatcher: %w", err)
		}
		svc.Notifications = dispatcher
	}

	compensation, err := services.NewCompensationEngine(services.CompensationEngineDeps{
		Payments:      gw.Payments,
		Ledger:        ledger,
		Notifications: svc.Notifications,
		Metrics:       metrics,
		Clock:         clock,
		Logger:        opts.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build compensation engine: %w", err)
	}
	svc.Compensation = compensation

	pipeline, err := services.NewOrderPipeline(services.OrderPipelineDeps{
		Validator:    validator,
		Ledger:       ledger,
		Submitter:    submitter,
		Compensation: compensation,
		Payments:     gw.Payments,
		Snapshotter:  services.NewDesignSnapshotter(gw.Copier, cfg.Storage.SnapshotBucket),
		Metrics:      metrics,
		SuccessURL:   cfg.Checkout.SuccessURL,
		CancelURL:    cfg.Checkout.CancelURL,
		Clock:        clock,
		IDGenerator:  opts.IDGenerator,
		Logger:       opts.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order pipeline: %w", err)
	}
	svc.Pipeline = pipeline

	return svc, nil
}
