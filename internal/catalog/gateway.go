package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/printcraft/api/internal/platform/partnerapi"
)

var (
	// ErrVariantNotFound indicates the catalog does not know the variant.
	ErrVariantNotFound = errors.New("catalog: variant not found")
	// ErrCatalogUnavailable indicates the catalog could not be consulted; the lookup may be retried.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
)

// Variant is the catalog view of a purchasable product variant.
type Variant struct {
	ID           string
	Name         string
	Price        int64
	Currency     string
	Discontinued bool
	// ShipsTo lists ISO country codes the variant may ship to; empty means unrestricted.
	ShipsTo []string
}

// ShipsToCountry reports whether the variant may be delivered to the country.
func (v Variant) ShipsToCountry(country string) bool {
	if len(v.ShipsTo) == 0 {
		return true
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	for _, candidate := range v.ShipsTo {
		if strings.EqualFold(candidate, country) {
			return true
		}
	}
	return false
}

// Gateway resolves variant identifiers against the remote catalog.
type Gateway interface {
	ResolveVariant(ctx context.Context, variantID string) (Variant, error)
}

// Doer is the subset of the partner client used by the gateway.
type Doer interface {
	Do(ctx context.Context, req partnerapi.Request, out any) error
}

// HTTPGateway implements Gateway over the partner catalog API with a short-lived cache.
type HTTPGateway struct {
	client   Doer
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedVariant
}

type cachedVariant struct {
	variant   Variant
	expiresAt time.Time
}

// Option customises the gateway.
type Option func(*HTTPGateway)

// WithCacheTTL enables caching of successful lookups for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *HTTPGateway) {
		g.cacheTTL = ttl
	}
}

// WithClock injects a custom clock.
func WithClock(now func() time.Time) Option {
	return func(g *HTTPGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewHTTPGateway constructs a catalog gateway backed by the partner client.
func NewHTTPGateway(client Doer, opts ...Option) (*HTTPGateway, error) {
	if client == nil {
		return nil, errors.New("catalog: partner client is required")
	}
	g := &HTTPGateway{
		client: client,
		now:    time.Now,
		cache:  make(map[string]cachedVariant),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

type variantResponse struct {
	Variant struct {
		ID               int64    `json:"id"`
		Name             string   `json:"name"`
		Price            string   `json:"price"`
		Currency         string   `json:"currency"`
		InStock          *bool    `json:"in_stock"`
		Discontinued     bool     `json:"is_discontinued"`
		AvailableRegions []string `json:"availability_regions"`
	} `json:"variant"`
}

// ResolveVariant looks up price, display name, availability and regional shippability.
func (g *HTTPGateway) ResolveVariant(ctx context.Context, variantID string) (Variant, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return Variant{}, ErrVariantNotFound
	}
	if cached, ok := g.lookup(variantID); ok {
		return cached, nil
	}

	var resp variantResponse
	err := g.client.Do(ctx, partnerapi.Request{
		Operation: "catalog.variant",
		Method:    http.MethodGet,
		Path:      "products/variant/" + variantID,
	}, &resp)
	if err != nil {
		switch {
		case partnerapi.IsNotFound(err):
			return Variant{}, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
		case partnerapi.IsUnavailable(err):
			return Variant{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		default:
			return Variant{}, fmt.Errorf("catalog: resolve variant %s: %w", variantID, err)
		}
	}

	price, err := ParseMinorUnits(resp.Variant.Price)
	if err != nil {
		return Variant{}, fmt.Errorf("catalog: variant %s: %w", variantID, err)
	}
	variant := Variant{
		ID:           variantID,
		Name:         strings.TrimSpace(resp.Variant.Name),
		Price:        price,
		Currency:     strings.ToUpper(strings.TrimSpace(resp.Variant.Currency)),
		Discontinued: resp.Variant.Discontinued || (resp.Variant.InStock != nil && !*resp.Variant.InStock),
		ShipsTo:      normaliseRegions(resp.Variant.AvailableRegions),
	}
	g.store(variant)
	return variant, nil
}

func (g *HTTPGateway) lookup(variantID string) (Variant, bool) {
	if g.cacheTTL <= 0 {
		return Variant{}, false
	}
	g.mu.RLock()
	entry, ok := g.cache[variantID]
	g.mu.RUnlock()
	if !ok || !g.now().Before(entry.expiresAt) {
		return Variant{}, false
	}
	return entry.variant, true
}

func (g *HTTPGateway) store(variant Variant) {
	if g.cacheTTL <= 0 {
		return
	}
	g.mu.Lock()
	g.cache[variant.ID] = cachedVariant{variant: variant, expiresAt: g.now().Add(g.cacheTTL)}
	g.mu.Unlock()
}

// ParseMinorUnits converts a decimal price string such as "19.99" into minor units.
func ParseMinorUnits(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("price is empty")
	}
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("price %q has more than two decimals", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("invalid price %q", value)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, fmt.Errorf("invalid price %q", value)
	}
	return units*100 + cents, nil
}

func normaliseRegions(regions []string) []string {
	if len(regions) == 0 {
		return nil
	}
	out := make([]string, 0, len(regions))
	for _, region := range regions {
		region = strings.ToUpper(strings.TrimSpace(region))
		if region != "" {
			out = append(out, region)
		}
	}
	return out
}
