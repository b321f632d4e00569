package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/printcraft/api/internal/platform/httpx"
)

const maxSignedBody = 1 << 20

// SecretProvider returns the shared secret for a partner.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(ctx context.Context, name string) (string, error)

// GetSecret calls f.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// NonceStore remembers nonces until expiry. Use reports false for a replay.
type NonceStore interface {
	Use(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// HMACValidator verifies partner webhooks signed as
// hex|base64(HMAC-SHA256(secret, METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(SHA256(body)))).
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  *zap.Logger
	metrics verifications
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	skew            time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises an HMACValidator.
type HMACOption func(*HMACValidator)

// WithHMACLogger reports rejected deliveries.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMeter records verification outcomes.
func WithHMACMeter(meter metric.Meter) HMACOption {
	return func(v *HMACValidator) { v.metrics = newVerifications(meter) }
}

// WithHMACClock overrides the time source.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders overrides the signature, timestamp and nonce header names.
// Empty values keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew sets the accepted distance between timestamp and now.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.skew = d
		}
	}
}

// WithHMACNonceTTL sets how long a nonce is remembered past its timestamp.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator returns a validator reading secrets from secrets and
// recording nonces in nonces.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          zap.NewNop(),
		metrics:         newVerifications(nil),
		now:             time.Now,
		signatureHeader: "X-Signature",
		timestampHeader: "X-Signature-Timestamp",
		nonceHeader:     "X-Signature-Nonce",
		skew:            5 * time.Minute,
		nonceTTL:        5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type signatureError struct {
	outcome string
	status  int
}

func (e signatureError) Error() string { return e.outcome }

// RequireSignature verifies the request with the secret chosen by resolve.
// The body is restored for the next handler.
func (v *HMACValidator) RequireSignature(resolve func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if err := v.verify(r, resolve); err != nil {
				var se signatureError
				if !errors.As(err, &se) {
					se = signatureError{outcome: "error", status: http.StatusServiceUnavailable}
				}
				v.metrics.record(ctx, "hmac", se.outcome)
				v.logger.Warn("webhook signature rejected", zap.String("outcome", se.outcome), zap.String("path", r.URL.Path), zap.Error(err))
				code := "invalid_signature"
				if se.status >= http.StatusInternalServerError {
					code = "verification_unavailable"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, "webhook signature could not be verified", se.status))
				return
			}
			v.metrics.record(ctx, "hmac", "ok")
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, resolve func(*http.Request) (string, bool)) error {
	ctx := r.Context()
	name, ok := resolve(r)
	if !ok {
		return signatureError{outcome: "unknown_partner", status: http.StatusUnauthorized}
	}

	sigHeader := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	tsHeader := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if sigHeader == "" || tsHeader == "" || nonce == "" {
		return signatureError{outcome: "missing_headers", status: http.StatusUnauthorized}
	}
	signedAt, err := parseTimestamp(tsHeader)
	if err != nil {
		return signatureError{outcome: "bad_timestamp", status: http.StatusUnauthorized}
	}
	now := v.now()
	if d := now.Sub(signedAt); d > v.skew || d < -v.skew {
		return signatureError{outcome: "stale", status: http.StatusUnauthorized}
	}
	given, err := decodeSignature(sigHeader)
	if err != nil {
		return signatureError{outcome: "bad_signature", status: http.StatusUnauthorized}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil || len(body) > maxSignedBody {
		return signatureError{outcome: "bad_body", status: http.StatusBadRequest}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	secret, err := v.secrets.GetSecret(ctx, name)
	if err == nil && secret == "" {
		err = errors.New("empty secret")
	}
	if err != nil {
		return fmt.Errorf("auth: secret for %s: %w", name, err)
	}
	if !hmac.Equal(given, sign([]byte(secret), r, tsHeader, nonce, body)) {
		return signatureError{outcome: "mismatch", status: http.StatusUnauthorized}
	}

	fresh, err := v.nonces.Use(ctx, name, nonce, latest(signedAt, now).Add(v.nonceTTL))
	if err != nil {
		return fmt.Errorf("auth: record nonce: %w", err)
	}
	if !fresh {
		return signatureError{outcome: "replay", status: http.StatusUnauthorized}
	}
	return nil
}

func sign(secret []byte, r *http.Request, timestamp, nonce string, body []byte) []byte {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s\n%s", strings.ToUpper(r.Method), r.URL.EscapedPath(), timestamp, nonce, hex.EncodeToString(digest[:]))
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if b, err := hex.DecodeString(value); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

// parseTimestamp accepts unix seconds or RFC 3339.
func parseTimestamp(value string) (time.Time, error) {
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
