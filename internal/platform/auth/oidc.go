package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/printcraft/api/internal/platform/httpx"
)

const (
	iapAssertionHeader = "X-Goog-Iap-Jwt-Assertion"
	defaultKeysTTL     = time.Hour
	keysFetchTimeout   = 5 * time.Second
)

// ErrKeysUnavailable means the signing keys could not be fetched.
var ErrKeysUnavailable = errors.New("auth: signing keys unavailable")

// JWKSCache holds Google's token signing keys, refetching when the
// Cache-Control max-age lapses or an unknown key id is seen.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	keys    map[string]any
	expires time.Time
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSClient overrides the HTTP client.
func WithJWKSClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock overrides the time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache returns a cache for the JWKS document at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{url: url, client: &http.Client{Timeout: keysFetchTimeout}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && c.now().Before(c.expires) {
		return key, nil
	}
	if err := c.fetchLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("auth: unknown signing key %q", kid)
}

func (c *JWKSCache) fetchLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, keysFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeysUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeysUnavailable, err)
	}
	keys := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID != "" && k.Valid() && k.IsPublic() {
			keys[k.KeyID] = k.Key
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrKeysUnavailable)
	}

	c.keys = keys
	c.expires = c.now().Add(maxAge(resp.Header.Get("Cache-Control")))
	return nil
}

// maxAge reads max-age from a Cache-Control header, falling back to an hour.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultKeysTTL
}

// OIDCValidator guards operator routes with Google-signed identity tokens.
type OIDCValidator struct {
	keys    *JWKSCache
	logger  *zap.Logger
	metrics verifications
	now     func() time.Time
}

// OIDCOption customises an OIDCValidator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger reports rejected tokens.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMeter records verification outcomes.
func WithOIDCMeter(meter metric.Meter) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = newVerifications(meter) }
}

// WithOIDCClock overrides the time used for expiry checks.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator returns a validator resolving keys from keys.
func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, logger: zap.NewNop(), metrics: newVerifications(nil), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireOIDC accepts a bearer identity token or an IAP assertion whose
// audience is audience and whose issuer is one of issuers. An empty audience
// or issuer list rejects everything.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]bool, len(issuers))
	for _, iss := range issuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			allowed[iss] = true
		}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "ES256"}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if audience == "" || len(allowed) == 0 {
				v.metrics.record(ctx, "oidc", "unconfigured")
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "operator authentication not configured", http.StatusServiceUnavailable))
				return
			}

			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				raw = strings.TrimSpace(r.Header.Get(iapAssertionHeader))
			}
			if raw == "" {
				v.metrics.record(ctx, "oidc", "missing")
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "identity token required", http.StatusUnauthorized))
				return
			}

			claims := &googleClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				return v.keys.Key(ctx, kid)
			})
			if err == nil {
				err = claims.check(v.now(), audience, allowed)
			}
			if err != nil {
				outcome, status := "invalid", http.StatusUnauthorized
				if errors.Is(err, ErrKeysUnavailable) {
					outcome, status = "keys_unavailable", http.StatusServiceUnavailable
				}
				v.metrics.record(ctx, "oidc", outcome)
				v.logger.Warn("operator token rejected", zap.String("outcome", outcome), zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "identity token invalid", status))
				return
			}

			v.metrics.record(ctx, "oidc", "ok")
			identity := &ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

type googleClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

func (c *googleClaims) check(now time.Time, audience string, issuers map[string]bool) error {
	if !issuers[c.Issuer] {
		return fmt.Errorf("auth: issuer %q not accepted", c.Issuer)
	}
	if !c.VerifyAudience(audience, true) {
		return fmt.Errorf("auth: audience %v does not include %q", c.Audience, audience)
	}
	if !c.VerifyExpiresAt(now, true) {
		return errors.New("auth: token expired")
	}
	return nil
}
