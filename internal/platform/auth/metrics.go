package auth

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// verifications counts credential checks by scheme and outcome.
type verifications struct {
	counter metric.Int64Counter
}

func newVerifications(meter metric.Meter) verifications {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("auth")
	}
	counter, err := meter.Int64Counter("printcraft.auth.verifications",
		metric.WithDescription("Credential verifications by scheme and outcome"))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("auth").Int64Counter("printcraft.auth.verifications")
	}
	return verifications{counter: counter}
}

func (v verifications) record(ctx context.Context, scheme, outcome string) {
	v.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scheme", scheme),
		attribute.String("outcome", outcome),
	))
}
