package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/platform/httpx"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "Idempotent-Replayed"
	maxKeyLength  = 255
)

// Logger receives store failures that do not change the response.
type Logger interface {
	Printf(format string, args ...any)
}

type options struct {
	header string
	ttl    time.Duration
	now    func() time.Time
	logger Logger
}

// Option customises Middleware.
type Option func(*options)

// WithHeader sets the request header carrying the key.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long a completed response is replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger reports store failures.
func WithLogger(logger Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Middleware replays the stored response for a repeated POST that carries the
// same key, caller and body. Requests without a key pass through untouched,
// so provider webhooks and keyless clients are unaffected. Server errors are
// not stored: the key is released and a retry runs the handler again.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	o := options{header: defaultHeader, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := strings.TrimSpace(r.Header.Get(o.header))
			if r.Method != http.MethodPost || rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(rawKey) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := callerOf(r)
			key := caller + "|" + r.URL.Path + "|" + rawKey
			fingerprint := fingerprintOf(r, body)
			now := o.now().UTC()

			state, entry, err := store.Begin(ctx, key, fingerprint, now, o.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used with a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				o.logf("idempotency: begin %s: %v", rawKey, err)
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			case state == StateDone:
				replay(w, entry)
				return
			case state == StateInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still in progress", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					if err := store.Abandon(ctx, key); err != nil {
						o.logf("idempotency: abandon %s: %v", rawKey, err)
					}
				}
			}()
			next.ServeHTTP(rec, r)

			if rec.status < http.StatusInternalServerError {
				entry = Entry{
					Fingerprint: fingerprint,
					Status:      rec.status,
					Header:      replayable(rec.header),
					Body:        rec.body.Bytes(),
					ExpiresAt:   o.now().UTC().Add(o.ttl),
				}
				if err := store.Complete(ctx, key, entry); err != nil {
					o.logf("idempotency: complete %s: %v", rawKey, err)
				} else {
					completed = true
				}
			}
			rec.flush(w)
		})
	}
}

func (o options) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// callerOf scopes keys to the authenticated principal when one is known.
func callerOf(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id != nil && id.UID != "" {
		return "user:" + id.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc != nil && svc.Subject != "" {
		return "svc:" + svc.Subject
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		sum := sha256.Sum256([]byte(authz))
		return "bearer:" + hex.EncodeToString(sum[:8])
	}
	return "anonymous"
}

func fingerprintOf(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.URL.RawQuery))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Content-Type")))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replayable(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		if replayableHeader(name) {
			out[name] = append([]string(nil), values...)
		}
	}
	return out
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// bufferedWriter holds the response until the store decision is made.
type bufferedWriter struct {
	header http.Header
	status int
	wrote  bool
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if !b.wrote {
		b.status, b.wrote = status, true
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
