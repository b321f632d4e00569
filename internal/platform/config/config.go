// Package config loads runtime settings from a dotenv file, the process
// environment and Secret Manager references.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 60 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultCheckoutCurrency     = "USD"
	defaultShippingFlatFee      = 599
	defaultTaxRateBasisPoints   = 800
	defaultMaxLineItems         = 25
	defaultMaxQuantity          = 100
	defaultCheckoutRateLimit    = 10
	defaultCheckoutRateWindow   = time.Minute
	defaultPartnerTimeout       = 10 * time.Second
	defaultCatalogCacheTTL      = 5 * time.Minute
	defaultSubmissionLeaseTTL   = 5 * time.Minute
	defaultSignedURLTTL         = 15 * time.Minute
	defaultBreakerMaxRequests   = 3
	defaultBreakerInterval      = 30 * time.Second
	defaultBreakerOpenTimeout   = 20 * time.Second
	defaultBreakerMinRequests   = 5
	defaultBreakerFailureRatio  = 0.6
	defaultNotificationTopic    = "order-notifications"
	defaultNotificationTimeout  = 10 * time.Second
)

// Config is the whole runtime configuration, grouped by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Storage       StorageConfig
	PSP           PSPConfig
	Checkout      CheckoutConfig
	Catalog       PartnerConfig
	Fulfillment   FulfillmentConfig
	Breaker       BreakerConfig
	Notifications NotificationConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
}

type ServerConfig struct {
	Port         string `validate:"required"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type FirebaseConfig struct {
	ProjectID       string `validate:"required"`
	CredentialsFile string
}

// FirestoreConfig defaults ProjectID to the Firebase project.
type FirestoreConfig struct {
	ProjectID    string `validate:"required"`
	EmulatorHost string
}

// StorageConfig names the buckets holding live design assets and the frozen
// order snapshots. SignerKey is a service account key, normally a secret reference.
type StorageConfig struct {
	AssetsBucket   string `validate:"required"`
	SnapshotBucket string
	SignerKey      string
	// V4 signed URLs are capped at seven days.
	SignedURLTTL time.Duration `validate:"gt=0,lte=168h"`
}

type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// CheckoutConfig holds pricing and limits for new orders. Amounts are minor units.
type CheckoutConfig struct {
	Currency           string `validate:"iso4217"`
	ShippingFlatFee    int64  `validate:"gte=0"`
	TaxRateBasisPoints int64  `validate:"gte=0,lte=10000"`
	SuccessURL         string
	CancelURL          string
	MaxLineItems       int `validate:"gt=0"`
	MaxQuantity        int `validate:"gt=0"`

	// RateLimit caps checkout sessions per user within RateWindow; zero disables it.
	RateLimit  int           `validate:"gte=0"`
	RateWindow time.Duration `validate:"gt=0"`
}

// PartnerConfig describes an HTTP integration with the manufacturing partner.
type PartnerConfig struct {
	BaseURL  string `validate:"required,url"`
	APIKey   string
	Timeout  time.Duration `validate:"gt=0"`
	CacheTTL time.Duration
}

type FulfillmentConfig struct {
	PartnerConfig
	StoreID            string
	AutoConfirm        bool
	SubmissionLeaseTTL time.Duration `validate:"gt=0"`
}

// BreakerConfig tunes the circuit breakers around partner calls.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	OpenTimeout  time.Duration
	MinRequests  uint32
	FailureRatio float64 `validate:"gt=0,lte=1"`
}

type NotificationConfig struct {
	ProjectID string
	Topic     string `validate:"required"`
	Timeout   time.Duration
}

// SecurityConfig groups server-to-server authentication.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig verifies Google-signed tokens on internal routes. Audience may be
// chosen per environment through Audiences.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig holds per-partner webhook signing secrets.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

type IdempotencyConfig struct {
	Header           string        `validate:"required"`
	TTL              time.Duration `validate:"gt=0"`
	CleanupInterval  time.Duration `validate:"gt=0"`
	CleanupBatchSize int           `validate:"gt=0"`
}

// Load reads the environment (see EnvironmentValues), applies defaults,
// resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := collectEnv(options)
	if err != nil {
		return Config{}, err
	}
	env := &envReader{values: values}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.String("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.Duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.Duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.Duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.String("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.String("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.String("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.String("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			AssetsBucket:   env.String("API_STORAGE_ASSETS_BUCKET", ""),
			SnapshotBucket: env.String("API_STORAGE_SNAPSHOT_BUCKET", ""),
			SignerKey:      env.String("API_STORAGE_SIGNER_KEY", ""),
			SignedURLTTL:   env.Duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.String("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.String("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Checkout: CheckoutConfig{
			Currency:           strings.ToUpper(env.String("API_CHECKOUT_CURRENCY", defaultCheckoutCurrency)),
			ShippingFlatFee:    env.Int64("API_CHECKOUT_SHIPPING_FLAT_FEE", defaultShippingFlatFee),
			TaxRateBasisPoints: env.Int64("API_CHECKOUT_TAX_RATE_BPS", defaultTaxRateBasisPoints),
			SuccessURL:         env.String("API_CHECKOUT_SUCCESS_URL", ""),
			CancelURL:          env.String("API_CHECKOUT_CANCEL_URL", ""),
			MaxLineItems:       env.Int("API_CHECKOUT_MAX_LINE_ITEMS", defaultMaxLineItems),
			MaxQuantity:        env.Int("API_CHECKOUT_MAX_QUANTITY", defaultMaxQuantity),
			RateLimit:          env.Int("API_CHECKOUT_RATE_LIMIT", defaultCheckoutRateLimit),
			RateWindow:         env.Duration("API_CHECKOUT_RATE_WINDOW", defaultCheckoutRateWindow),
		},
		Catalog: PartnerConfig{
			BaseURL:  env.String("API_CATALOG_BASE_URL", ""),
			APIKey:   env.String("API_CATALOG_API_KEY", ""),
			Timeout:  env.Duration("API_CATALOG_TIMEOUT", defaultPartnerTimeout),
			CacheTTL: env.Duration("API_CATALOG_CACHE_TTL", defaultCatalogCacheTTL),
		},
		Fulfillment: FulfillmentConfig{
			PartnerConfig: PartnerConfig{
				BaseURL: env.String("API_FULFILLMENT_BASE_URL", ""),
				APIKey:  env.String("API_FULFILLMENT_API_KEY", ""),
				Timeout: env.Duration("API_FULFILLMENT_TIMEOUT", defaultPartnerTimeout),
			},
			StoreID:            env.String("API_FULFILLMENT_STORE_ID", ""),
			AutoConfirm:        env.Bool("API_FULFILLMENT_AUTO_CONFIRM", true),
			SubmissionLeaseTTL: env.Duration("API_FULFILLMENT_SUBMISSION_LEASE_TTL", defaultSubmissionLeaseTTL),
		},
		Breaker: BreakerConfig{
			MaxRequests:  env.Uint32("API_BREAKER_MAX_REQUESTS", defaultBreakerMaxRequests),
			Interval:     env.Duration("API_BREAKER_INTERVAL", defaultBreakerInterval),
			OpenTimeout:  env.Duration("API_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
			MinRequests:  env.Uint32("API_BREAKER_MIN_REQUESTS", defaultBreakerMinRequests),
			FailureRatio: env.Float("API_BREAKER_FAILURE_RATIO", defaultBreakerFailureRatio),
		},
		Notifications: NotificationConfig{
			ProjectID: env.String("API_NOTIFICATIONS_PROJECT_ID", ""),
			Topic:     env.String("API_NOTIFICATIONS_TOPIC", defaultNotificationTopic),
			Timeout:   env.Duration("API_NOTIFICATIONS_TIMEOUT", defaultNotificationTimeout),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.String("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.String("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.String("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.Pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.List("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.Pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.String("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.String("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.String("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.Duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.Duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.String("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.Duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.Duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.Int("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
	applyDerivedDefaults(&cfg)

	secrets := &secretSet{resolver: options.secret, resolved: map[string]string{}}
	for name, value := range cfg.Security.HMAC.Secrets {
		if err := secrets.resolve(ctx, fmt.Sprintf("Security.HMAC.Secrets[%s]", name), &value); err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[name] = value
	}
	for _, field := range []struct {
		name  string
		value *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
		{"Fulfillment.APIKey", &cfg.Fulfillment.APIKey},
		{"Catalog.APIKey", &cfg.Catalog.APIKey},
	} {
		if err := secrets.resolve(ctx, field.name, field.value); err != nil {
			return Config{}, err
		}
	}
	if cfg.Catalog.APIKey == "" {
		cfg.Catalog.APIKey = cfg.Fulfillment.APIKey
	}

	if err := validateConfig(cfg, env.invalid); err != nil {
		return Config{}, err
	}
	if missing := secrets.missing(options.requiredSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// applyDerivedDefaults fills settings that default to other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Storage.SnapshotBucket == "" {
		cfg.Storage.SnapshotBucket = cfg.Storage.AssetsBucket
	}
	if cfg.Catalog.BaseURL == "" {
		cfg.Catalog.BaseURL = cfg.Fulfillment.BaseURL
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
}
