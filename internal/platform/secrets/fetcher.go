// Package secrets resolves secret:// references against Google Secret Manager.
//
// A reference names a secret by path, for example secret://stripe/api-key.
// Path segments are joined with "-" to form the Secret Manager id
// (stripe-api-key). Query parameters select a version (?version=3) or another
// project (?project=printcraft-shared). Values are cached for the life of the
// process. When Secret Manager is unreachable or denies access, values come
// from a local dotenv file keyed by the upper-cased id (STRIPE_API_KEY).
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file
// holds the secret.
var ErrNotFound = errors.New("secrets: not found")

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessor, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Fetcher resolves and caches secret references.
type Fetcher struct {
	client     accessor
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]string

	latency metric.Float64Histogram
}

type settings struct {
	logger       *zap.Logger
	env          string
	project      string
	projects     map[string]string
	pins         map[string]string
	fallbackPath string
	meter        metric.Meter
	client       accessor
	clientOpts   []option.ClientOption
}

// Option customises NewFetcher.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects the entry of the project map (local, staging, prod).
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when the environment has no entry.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(s *settings) { s.projects = projects }
}

// WithVersionPins pins versions by reference ("secret://stripe/api-key") or by
// environment-qualified reference ("prod:secret://stripe/api-key").
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) { s.pins = pins }
}

// WithFallbackFile sets the dotenv file consulted when Secret Manager is unavailable.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter records fetch latency on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(s *settings) { s.meter = meter }
}

// WithClientOptions are passed to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithSecretManagerClient injects a client; the Fetcher will not close it.
func WithSecretManagerClient(client accessor) Option {
	return func(s *settings) { s.client = client }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created
// (no credentials in local runs) leaves the Fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{logger: zap.NewNop(), env: "local", fallbackPath: ".secrets.local"}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter("github.com/printcraft/api/internal/platform/secrets")
	}
	latency, err := s.meter.Float64Histogram("printcraft.secrets.fetch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}

	f := &Fetcher{
		client:         s.client,
		logger:         s.logger,
		env:            s.env,
		defaultProject: s.project,
		projects:       s.projects,
		pins:           s.pins,
		fallbackPath:   s.fallbackPath,
		cache:          make(map[string]string),
		latency:        latency,
	}
	if f.client == nil {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secret manager unavailable; using fallback file only", zap.String("file", s.fallbackPath), zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. Concurrent calls for the same
// reference share one fetch.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	r, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	r.version = f.version(r)
	key := r.canonical + "#" + r.version

	f.mu.RLock()
	value, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.observe(ctx, "cache", time.Now())
		return value, nil
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		f.mu.RLock()
		cached, ok := f.cache[key]
		f.mu.RUnlock()
		if ok {
			return cached, nil
		}
		value, err := f.fetch(ctx, r)
		if err != nil {
			return "", err
		}
		f.mu.Lock()
		f.cache[key] = value
		f.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) fetch(ctx context.Context, r reference) (string, error) {
	start := time.Now()
	project := r.project
	if project == "" {
		project = f.projects[f.env]
	}
	if project == "" {
		project = f.defaultProject
	}

	if f.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.id, r.version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil:
			f.observe(ctx, "secret_manager", start)
			return string(resp.GetPayload().GetData()), nil
		case status.Code(err) == codes.NotFound:
			f.observe(ctx, "error", start)
			return "", fmt.Errorf("%w: %s", ErrNotFound, r.canonical)
		case !recoverable(err):
			f.observe(ctx, "error", start)
			return "", fmt.Errorf("secrets: access %s: %w", r.canonical, err)
		}
		f.logger.Debug("secret manager unreachable; trying fallback file", zap.String("secret", r.id), zap.Error(err))
	}

	if value, ok := f.fallbackValue(r.id); ok {
		f.observe(ctx, "fallback", start)
		return value, nil
	}
	f.observe(ctx, "error", start)
	return "", fmt.Errorf("%w: %s", ErrNotFound, r.canonical)
}

func (f *Fetcher) version(r reference) string {
	if r.version != "" {
		return r.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+r.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[r.canonical]); pin != "" {
		return pin
	}
	return "latest"
}

func (f *Fetcher) fallbackValue(id string) (string, bool) {
	f.fallbackOnce.Do(func() {
		if f.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets fallback file unreadable", zap.String("file", f.fallbackPath), zap.Error(err))
			}
			return
		}
		f.fallback = values
	})
	value, ok := f.fallback[fallbackKey(id)]
	return value, ok
}

func (f *Fetcher) observe(ctx context.Context, source string, start time.Time) {
	f.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("source", source)))
}

// recoverable reports Secret Manager failures that should fall back to the
// local file rather than abort startup.
func recoverable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

type reference struct {
	canonical string
	id        string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: invalid reference %q", raw)
	}
	path := strings.Trim(u.Host+u.Path, "/")
	if path == "" {
		return reference{}, fmt.Errorf("secrets: reference %q names no secret", raw)
	}
	q := u.Query()
	return reference{
		canonical: "secret://" + path,
		id:        strings.ReplaceAll(path, "/", "-"),
		version:   strings.TrimSpace(q.Get("version")),
		project:   strings.TrimSpace(q.Get("project")),
	}, nil
}

// fallbackKey maps a secret id to a dotenv key: stripe-api-key -> STRIPE_API_KEY.
func fallbackKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}
