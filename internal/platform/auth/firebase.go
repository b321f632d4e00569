package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/printcraft/api/internal/platform/config"
	"github.com/printcraft/api/internal/platform/httpx"
)

const (
	defaultVerifyTimeout = 5 * time.Second
	roleClaim            = "role"
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// NewFirebaseVerifier returns the Admin SDK auth client for cfg.ProjectID.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig) (*firebaseauth.Client, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth: %w", err)
	}
	return client, nil
}

// Authenticator guards customer routes with Firebase ID tokens.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
	logger   *zap.Logger
	metrics  verifications
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithVerifyTimeout bounds each token verification.
func WithVerifyTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger reports verification failures at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMeter records verification outcomes.
func WithMeter(meter metric.Meter) Option {
	return func(a *Authenticator) { a.metrics = newVerifications(meter) }
}

// NewAuthenticator builds an Authenticator around verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		timeout:  defaultVerifyTimeout,
		logger:   zap.NewNop(),
		metrics:  newVerifications(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth rejects requests without a valid bearer ID token. When
// roles are given the token's role claim must contain one of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.metrics.record(ctx, "firebase", "missing")
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "bearer token required", http.StatusUnauthorized))
				return
			}
			if a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication unavailable", http.StatusServiceUnavailable))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
			cancel()
			if err != nil {
				outcome, message := "invalid", "id token invalid"
				if firebaseauth.IsIDTokenExpired(err) {
					outcome, message = "expired", "id token expired"
				}
				a.metrics.record(ctx, "firebase", outcome)
				a.logger.Debug("firebase token rejected", zap.String("outcome", outcome), zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", message, http.StatusUnauthorized))
				return
			}

			identity := identityFromToken(token)
			if len(roles) > 0 && !identity.hasAny(roles) {
				a.metrics.record(ctx, "firebase", "forbidden")
				httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "insufficient role", http.StatusForbidden))
				return
			}
			a.metrics.record(ctx, "firebase", "ok")
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{UID: token.UID, token: token}
	identity.Email, _ = token.Claims["email"].(string)
	identity.EmailVerified, _ = token.Claims["email_verified"].(bool)

	switch v := token.Claims[roleClaim].(type) {
	case string:
		identity.Roles = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				identity.Roles = append(identity.Roles, s)
			}
		}
	}
	return identity
}

func (i *Identity) hasAny(roles []string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}
