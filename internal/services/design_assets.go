package services

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/platform/storage"
	"github.com/printcraft/api/internal/repositories"
)

const (
	imageSourceLive     = "live"
	imageSourceSnapshot = "snapshot"
)

var (
	errImageURLMalformed = errors.New("image url is not an absolute http(s) url")
	errImageURLInternal  = errors.New("image url points at an internal host")
)

// AssetCopier copies storage objects. storage.Copier satisfies it.
type AssetCopier interface {
	CopyObject(ctx context.Context, src, dst storage.ObjectRef) error
}

// DesignSnapshotter freezes design images into order-scoped storage at checkout.
type DesignSnapshotter struct {
	copier AssetCopier
	bucket string
}

// NewDesignSnapshotter returns a snapshotter writing into bucket. A nil copier
// keeps the original references.
func NewDesignSnapshotter(copier AssetCopier, bucket string) *DesignSnapshotter {
	return &DesignSnapshotter{copier: copier, bucket: strings.TrimSpace(bucket)}
}

// Capture rewrites the item's snapshot references to copies owned by the order.
// Absolute URLs are kept as they are.
func (s *DesignSnapshotter) Capture(ctx context.Context, orderID string, item *domain.OrderItem) error {
	if s == nil || s.copier == nil || s.bucket == "" || item == nil || item.Design == nil {
		return nil
	}
	front, err := s.copyImage(ctx, orderID, item.ID, "front", item.Design.FrontImageURL)
	if err != nil {
		return err
	}
	back, err := s.copyImage(ctx, orderID, item.ID, "back", item.Design.BackImageURL)
	if err != nil {
		return err
	}
	item.Design.FrontImageURL = front
	item.Design.BackImageURL = back
	return nil
}

func (s *DesignSnapshotter) copyImage(ctx context.Context, orderID, itemID, placement, reference string) (string, error) {
	src, ok := storage.ParseObjectURI(reference)
	if !ok {
		return reference, nil
	}
	object, err := storage.SnapshotObject(orderID, itemID, placement, src.Object)
	if err != nil {
		return "", err
	}
	dst := storage.ObjectRef{Bucket: s.bucket, Object: object}
	if err := s.copier.CopyObject(ctx, src, dst); err != nil {
		return "", fmt.Errorf("snapshot %s image for item %s: %w", placement, itemID, err)
	}
	return dst.URI(), nil
}

// designImageSource picks live design images when available, falling back to the
// order snapshot.
type designImageSource struct {
	designs repositories.DesignRepository
	urls    AssetURLResolver
	logger  func(context.Context, string, map[string]any)
}

func (s designImageSource) candidates(ctx context.Context, orderID string, item domain.OrderItem) ([]string, string) {
	if !item.HasDesign() {
		return nil, ""
	}
	if s.designs != nil {
		design, err := s.designs.FindByID(ctx, item.Design.DesignID)
		switch {
		case err == nil && design.DeletedAt == nil && len(design.ImageRefs()) > 0:
			return design.ImageRefs(), imageSourceLive
		case err != nil && !isRepoNotFound(err):
			s.logger(ctx, "order.fulfillment.live_design_unavailable", map[string]any{
				"orderId":  orderID,
				"itemId":   item.ID,
				"designId": item.Design.DesignID,
				"error":    err.Error(),
			})
		}
	}
	return item.Design.ImageURLs(), imageSourceSnapshot
}

// usableImages resolves storage references and drops URLs the partner could not
// fetch. The returned reasons describe each rejected reference.
func (s designImageSource) usableImages(ctx context.Context, refs []string) ([]string, []string) {
	var urls, rejected []string
	for _, ref := range refs {
		resolved := ref
		if s.urls != nil {
			signed, err := s.urls.ResolveURL(ctx, ref)
			if err != nil {
				rejected = append(rejected, fmt.Sprintf("%s: %v", ref, err))
				continue
			}
			resolved = signed
		}
		if err := checkImageURL(resolved); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", redactURL(resolved), err))
			continue
		}
		urls = append(urls, resolved)
	}
	return urls, rejected
}

// checkImageURL accepts absolute http(s) URLs whose host is reachable from the
// public internet.
func checkImageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() {
		return errImageURLMalformed
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errImageURLMalformed
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return errImageURLMalformed
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
			return errImageURLInternal
		}
		return nil
	}
	if host == "localhost" || !strings.Contains(host, ".") {
		return errImageURLInternal
	}
	for _, suffix := range []string{".localhost", ".local", ".internal", ".lan"} {
		if strings.HasSuffix(host, suffix) {
			return errImageURLInternal
		}
	}
	return nil
}

// redactURL drops the query so signatures never reach the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
