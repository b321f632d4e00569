package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/printcraft/api/internal/domain"
	pfirestore "github.com/printcraft/api/internal/platform/firestore"
)

const designsCollection = "designs"

// DesignRepository reads design documents written by the editor.
type DesignRepository struct {
	base *pfirestore.Collection[designDocument]
}

// NewDesignRepository constructs a Firestore-backed design repository.
func NewDesignRepository(provider *pfirestore.Provider) (*DesignRepository, error) {
	if provider == nil {
		return nil, errors.New("design repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[designDocument](provider, designsCollection)
	return &DesignRepository{base: base}, nil
}

type designDocument struct {
	OwnerRef  string                `firestore:"ownerRef"`
	OwnerUID  string                `firestore:"ownerUid"`
	Label     string                `firestore:"label"`
	Status    string                `firestore:"status"`
	Assets    *designAssetsDocument `firestore:"assets,omitempty"`
	UpdatedAt time.Time             `firestore:"updatedAt"`
	DeletedAt *time.Time            `firestore:"deletedAt,omitempty"`
}

type designAssetsDocument struct {
	Front *designAssetRefDocument `firestore:"front,omitempty"`
	Back  *designAssetRefDocument `firestore:"back,omitempty"`
}

type designAssetRefDocument struct {
	URL        string `firestore:"url,omitempty"`
	Bucket     string `firestore:"bucket,omitempty"`
	ObjectPath string `firestore:"objectPath,omitempty"`
}

// FindByID fetches a single design. Soft-deleted designs are returned with DeletedAt set.
func (r *DesignRepository) FindByID(ctx context.Context, designID string) (domain.Design, error) {
	if r == nil || r.base == nil {
		return domain.Design{}, errors.New("design repository not initialised")
	}
	designID = strings.TrimSpace(designID)
	if designID == "" {
		return domain.Design{}, errors.New("design repository: design id is required")
	}
	doc, err := r.base.Get(ctx, designID)
	if err != nil {
		return domain.Design{}, err
	}
	return decodeDesignDocument(designID, doc.Data, doc.UpdateTime), nil
}

func decodeDesignDocument(id string, doc designDocument, updatedAt time.Time) domain.Design {
	design := domain.Design{
		ID:        id,
		OwnerID:   extractOwner(doc.OwnerRef, doc.OwnerUID),
		Name:      strings.TrimSpace(doc.Label),
		UpdatedAt: chooseTime(doc.UpdatedAt, updatedAt),
		DeletedAt: normalizeTimePointer(doc.DeletedAt),
	}
	if design.DeletedAt == nil && strings.EqualFold(doc.Status, "deleted") {
		deleted := design.UpdatedAt
		design.DeletedAt = &deleted
	}
	if doc.Assets != nil {
		design.FrontImage = assetReference(doc.Assets.Front)
		design.BackImage = assetReference(doc.Assets.Back)
	}
	return design
}

// assetReference prefers an explicit URL and otherwise builds a gs:// reference.
func assetReference(ref *designAssetRefDocument) string {
	if ref == nil {
		return ""
	}
	if url := strings.TrimSpace(ref.URL); url != "" {
		return url
	}
	bucket := strings.TrimSpace(ref.Bucket)
	object := strings.TrimLeft(strings.TrimSpace(ref.ObjectPath), "/")
	if bucket == "" || object == "" {
		return ""
	}
	return "gs://" + bucket + "/" + object
}

func extractOwner(ownerRef string, ownerUID string) string {
	if trimmed := strings.TrimSpace(ownerUID); trimmed != "" {
		return trimmed
	}
	ref := strings.TrimSpace(ownerRef)
	ref = strings.TrimPrefix(ref, "/")
	const prefix = "users/"
	if strings.HasPrefix(ref, prefix) {
		return ref[len(prefix):]
	}
	return ref
}

func chooseTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}
