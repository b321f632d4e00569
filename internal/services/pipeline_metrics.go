package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineMetricNamespace = "github.com/printcraft/api/internal/services"

// PipelineMetrics records order pipeline counters. A nil receiver records nothing.
type PipelineMetrics struct {
	checkouts    metric.Int64Counter
	submissions  metric.Int64Counter
	skippedItems metric.Int64Counter
	compensation metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on meter, or on the
// global meter provider when meter is nil.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(pipelineMetricNamespace)
	}
	checkouts, err1 := meter.Int64Counter("orders.checkout",
		metric.WithDescription("Checkout attempts by outcome"))
	submissions, err2 := meter.Int64Counter("orders.fulfillment.submitted",
		metric.WithDescription("Fulfillment submission attempts by outcome"))
	skipped, err3 := meter.Int64Counter("orders.fulfillment.skipped_items",
		metric.WithDescription("Order items skipped during fulfillment submission"))
	compensation, err4 := meter.Int64Counter("orders.compensation",
		metric.WithDescription("Refund compensations by outcome"))
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	return &PipelineMetrics{
		checkouts:    checkouts,
		submissions:  submissions,
		skippedItems: skipped,
		compensation: compensation,
	}, nil
}

func (m *PipelineMetrics) Checkout(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *PipelineMetrics) Submission(ctx context.Context, outcome FulfillmentOutcome) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *PipelineMetrics) ItemSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.skippedItems.Add(ctx, 1)
}

func (m *PipelineMetrics) Compensation(ctx context.Context, refunded bool) {
	if m == nil {
		return
	}
	outcome := "refunded"
	if !refunded {
		outcome = "refund_failed"
	}
	m.compensation.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
