package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile sets the dotenv file read for local overrides. An empty path
// skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap layers explicit values over the dotenv file and process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// EnvironmentValues merges the dotenv file, the process environment and any
// explicit map, later sources winning. main uses it to configure the secret
// fetcher before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return collectEnv(newLoaderOptions(opts))
}

func collectEnv(options loaderOptions) (map[string]string, error) {
	values := map[string]string{}
	if options.envFile != "" {
		fileValues, err := godotenv.Read(options.envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", options.envFile, err)
		default:
			for k, v := range fileValues {
				values[k] = v
			}
		}
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
				values[key] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// envReader reads typed values with defaults. A value that is present but
// does not parse is recorded so Load can fail instead of silently using the
// default.
type envReader struct {
	values  map[string]string
	invalid []string
}

func (r *envReader) raw(key string) (string, bool) {
	value := strings.TrimSpace(r.values[key])
	return value, value != ""
}

func (r *envReader) String(key, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return fallback
}

func (r *envReader) Duration(key string, fallback time.Duration) time.Duration {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return d
}

func (r *envReader) Int64(key string, fallback int64) int64 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return n
}

func (r *envReader) Int(key string, fallback int) int {
	return int(r.Int64(key, int64(fallback)))
}

func (r *envReader) Uint32(key string, fallback uint32) uint32 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return uint32(n)
}

func (r *envReader) Float(key string, fallback float64) float64 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return f
}

func (r *envReader) Bool(key string, fallback bool) bool {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	r.invalid = append(r.invalid, key)
	return fallback
}

// List reads "a, b, c".
func (r *envReader) List(key string) []string {
	var out []string
	for _, part := range strings.Split(r.values[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Pairs reads "name=value,other=value" with lower-cased names.
func (r *envReader) Pairs(key string) map[string]string {
	out := map[string]string{}
	for _, entry := range r.List(key) {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			r.invalid = append(r.invalid, key)
			continue
		}
		out[name] = value
	}
	return out
}
