package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/platform/config"
	"github.com/printcraft/api/internal/platform/httpx"
	"github.com/printcraft/api/internal/platform/secrets"
	"github.com/printcraft/api/internal/repositories"
)

const secretHealthReference = "secret://system/healthz?version=latest"

func buildOIDCMiddleware(logger *zap.Logger, meter metric.Meter, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	validator := auth.NewOIDCValidator(auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL),
		auth.WithOIDCLogger(logger),
		auth.WithOIDCMeter(meter),
	)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// buildHMACMiddleware guards partner webhooks. Secrets are keyed by partner name
// ("fulfillment") with an optional "default" fallback.
func buildHMACMiddleware(logger *zap.Logger, meter metric.Meter, nonces auth.NonceStore, cfg config.Config) func(http.Handler) http.Handler {
	keyed := make(map[string]string, len(cfg.Security.HMAC.Secrets))
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		keyed[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if len(keyed) == 0 {
		return nil
	}

	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		key := strings.ToLower(strings.TrimSpace(name))
		if secret, ok := keyed[key]; ok {
			return secret, nil
		}
		return "", errors.New("auth: hmac secret not found")
	})
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(logger),
		auth.WithHMACMeter(meter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireSignature(webhookSecretResolver(keyed))
}

// webhookSecretResolver picks the most specific secret for a webhook path:
// "/webhooks/fulfillment/shipments" tries "fulfillment/shipments", then
// "fulfillment", then "default".
func webhookSecretResolver(keyed map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		if idx := strings.Index(path, "/webhooks/"); idx >= 0 {
			path = path[idx+len("/webhooks/"):]
		}
		segments := strings.Split(strings.Trim(path, "/"), "/")

		candidates := make([]string, 0, 3)
		if len(segments) >= 2 && segments[0] != "" {
			candidates = append(candidates, strings.ToLower(segments[0]+"/"+segments[1]))
		}
		if segments[0] != "" {
			candidates = append(candidates, strings.ToLower(segments[0]))
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if keyed[candidate] != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

// rejectAll closes a route group whose authentication could not be configured.
func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "service authentication not configured", http.StatusUnauthorized))
	})
}

// secretManagerCheck probes Secret Manager reachability. A missing probe secret
// still proves the API answered.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil || errors.Is(err, secrets.ErrNotFound) {
				return nil
			}
			return err
		},
	}
}
