package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultDownloadExpiry = 15 * time.Minute
	// V4 signatures are rejected by Cloud Storage beyond seven days.
	maxDownloadExpiry = 7 * 24 * time.Hour
	objectURIScheme   = "gs://"
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed for downloads")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// ObjectRef identifies a Cloud Storage object.
type ObjectRef struct {
	Bucket string
	Object string
}

// URI renders the reference as gs://bucket/object.
func (r ObjectRef) URI() string {
	return objectURIScheme + r.Bucket + "/" + r.Object
}

func (r ObjectRef) validate() error {
	if strings.TrimSpace(r.Bucket) == "" {
		return errInvalidBucket
	}
	if strings.TrimSpace(r.Object) == "" {
		return errInvalidObject
	}
	return nil
}

// ParseObjectURI splits a gs://bucket/object reference. The boolean is false for
// any other form, including absolute http(s) URLs.
func ParseObjectURI(raw string) (ObjectRef, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, objectURIScheme) {
		return ObjectRef{}, false
	}
	rest := strings.TrimPrefix(raw, objectURIScheme)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.TrimLeft(object, "/") == "" {
		return ObjectRef{}, false
	}
	return ObjectRef{Bucket: bucket, Object: strings.TrimLeft(object, "/")}, true
}

// Client generates signed download URLs backed by a Signer.
type Client struct {
	signer     Signer
	scheme     storage.SigningScheme
	now        func() time.Time
	defaultTTL time.Duration
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithDefaultTTL sets the expiry applied when DownloadOptions.ExpiresIn is zero.
func WithDefaultTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 && ttl <= maxDownloadExpiry {
			c.defaultTTL = ttl
		}
	}
}

// NewClient constructs a new storage signed URL client.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}

	client := &Client{
		signer:     signer,
		scheme:     storage.SigningSchemeV4,
		now:        time.Now,
		defaultTTL: defaultDownloadExpiry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// DownloadOptions control download behaviour of a signed URL.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	ResponseType string
	Query        map[string]string
}

// SignedURLResult describes the generated signed URL details.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedDownloadURL creates a signed GET (or HEAD) URL for the object.
func (c *Client) SignedDownloadURL(ctx context.Context, ref ObjectRef, opts DownloadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	if ctx == nil {
		return SignedURLResult{}, errors.New("storage: context is required")
	}
	ref.Bucket = strings.TrimSpace(ref.Bucket)
	ref.Object = strings.TrimSpace(ref.Object)
	if err := ref.validate(); err != nil {
		return SignedURLResult{}, err
	}

	googleAccessID := c.signer.Email()
	if googleAccessID == "" {
		return SignedURLResult{}, errNoSigner
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = httpMethodGet
	}
	if method != httpMethodGet && method != httpMethodHead {
		return SignedURLResult{}, errMethodNotAllowed
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = c.defaultTTL
	}
	if expiry > maxDownloadExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	urlOpts := storage.SignedURLOptions{
		GoogleAccessID: googleAccessID,
		Scheme:         c.scheme,
		Method:         method,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}

	queryValues := map[string]string{}
	if opts.Disposition != "" {
		queryValues["response-content-disposition"] = opts.Disposition
	}
	if opts.ResponseType != "" {
		queryValues["response-content-type"] = opts.ResponseType
	}
	for key, value := range opts.Query {
		if _, exists := queryValues[key]; exists {
			continue
		}
		queryValues[key] = value
	}
	if len(queryValues) > 0 {
		urlOpts.QueryParameters = mapToURLValues(queryValues)
	}

	expiresAt := c.now().Add(expiry)
	urlOpts.Expires = expiresAt

	signedURL, err := storage.SignedURL(ref.Bucket, ref.Object, &urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signedURL, Method: method, ExpiresAt: expiresAt}, nil
}

// ResolveURL returns a fetchable URL for an image reference. gs:// references are
// signed with the default TTL; anything else is returned unchanged.
func (c *Client) ResolveURL(ctx context.Context, reference string) (string, error) {
	ref, ok := ParseObjectURI(reference)
	if !ok {
		return strings.TrimSpace(reference), nil
	}
	res, err := c.SignedDownloadURL(ctx, ref, DownloadOptions{})
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

const (
	httpMethodGet  = "GET"
	httpMethodHead = "HEAD"
)

func mapToURLValues(values map[string]string) url.Values {
	out := make(url.Values, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out.Add(key, values[key])
	}
	return out
}
