package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/printcraft/api/internal/payments")

// PaymentContext carries routing hints. An explicit provider (for example the
// one named by a webhook) wins over currency routing.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Manager routes PSP calls to a registered provider and traces each call.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithDefaultProvider names the provider used when nothing else matches.
// Stripe is the default whenever it is registered.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.defaultProvider = normalizeKey(provider) }
}

// WithCurrencyRoutes maps ISO currency codes to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = normalizeKey(provider)
		}
	}
}

// NewManager registers providers by lower-cased key.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers:      make(map[string]Provider, len(providers)),
		currencyRoutes: map[string]string{},
	}
	for key, provider := range providers {
		key = normalizeKey(key)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration %q", key)
		}
		m.providers[key] = provider
	}
	if _, ok := m.providers["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) route(pctx PaymentContext) (string, Provider, error) {
	if key := normalizeKey(pctx.PreferredProvider); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	candidates := []string{m.currencyRoutes[strings.ToUpper(strings.TrimSpace(pctx.Currency))], m.defaultProvider}
	for _, key := range candidates {
		if p, ok := m.providers[key]; ok && key != "" {
			return key, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// call routes pctx and runs fn inside a client span named after op.
func (m *Manager) call(ctx context.Context, op string, pctx PaymentContext, fn func(context.Context, string, Provider) error) error {
	ctx, span := tracer.Start(ctx, "payments."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	key, provider, err := m.route(pctx)
	if err == nil {
		span.SetAttributes(attribute.String("payments.provider", key))
		err = fn(ctx, key, provider)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	return err
}

func (m *Manager) CreateCheckoutSession(ctx context.Context, pctx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	var session CheckoutSession
	err := m.call(ctx, "create_session", pctx, func(ctx context.Context, key string, p Provider) error {
		var err error
		session, err = p.CreateCheckoutSession(ctx, req)
		session.Provider = key
		return err
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	return session, nil
}

func (m *Manager) LookupSession(ctx context.Context, pctx PaymentContext, sessionID string) (SessionDetails, error) {
	var details SessionDetails
	err := m.call(ctx, "lookup_session", pctx, func(ctx context.Context, key string, p Provider) error {
		var err error
		details, err = p.LookupSession(ctx, sessionID)
		details.Provider = key
		return err
	})
	if err != nil {
		return SessionDetails{}, err
	}
	return details, nil
}

func (m *Manager) ExpireCheckoutSession(ctx context.Context, pctx PaymentContext, sessionID string) error {
	return m.call(ctx, "expire_session", pctx, func(ctx context.Context, _ string, p Provider) error {
		return p.ExpireCheckoutSession(ctx, sessionID)
	})
}

func (m *Manager) Refund(ctx context.Context, pctx PaymentContext, req RefundRequest) (RefundResult, error) {
	var result RefundResult
	err := m.call(ctx, "refund", pctx, func(ctx context.Context, _ string, p Provider) error {
		var err error
		result, err = p.Refund(ctx, req)
		return err
	})
	if err != nil {
		return RefundResult{}, err
	}
	return result, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
