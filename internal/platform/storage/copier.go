package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Copier provides object copy operations between Cloud Storage locations.
type Copier struct {
	client *gcs.Client
}

// NewCopier constructs a Copier backed by the provided Cloud Storage client.
func NewCopier(client *gcs.Client) (*Copier, error) {
	if client == nil {
		return nil, errors.New("storage copier: client is required")
	}
	return &Copier{client: client}, nil
}

// CopyObject copies src to dst unless dst already exists. An existing
// destination is treated as a completed copy so repeated snapshots are no-ops.
func (c *Copier) CopyObject(ctx context.Context, src, dst ObjectRef) error {
	if c == nil || c.client == nil {
		return errors.New("storage copier: client is not initialised")
	}
	if src.validate() != nil || dst.validate() != nil {
		return errors.New("storage copier: source and destination must be provided")
	}
	if src == dst {
		return nil
	}

	source := c.client.Bucket(src.Bucket).Object(src.Object)
	target := c.client.Bucket(dst.Bucket).Object(dst.Object).If(gcs.Conditions{DoesNotExist: true})
	if _, err := target.CopierFrom(source).Run(ctx); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("storage copier: source %s: %w", src.URI(), err)
		}
		return fmt.Errorf("storage copier: copy %s to %s: %w", src.URI(), dst.URI(), err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
