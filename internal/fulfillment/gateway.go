package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/printcraft/api/internal/catalog"
	"github.com/printcraft/api/internal/platform/partnerapi"
)

// ErrGatewayUnavailable indicates the partner could not be reached for this call.
var ErrGatewayUnavailable = errors.New("fulfillment: partner unavailable")

// VariantStatus is the partner's current view of a variant.
type VariantStatus struct {
	Exists       bool
	Discontinued bool
	Price        int64
}

// Valid reports whether the variant can be manufactured right now.
func (s VariantStatus) Valid() bool {
	return s.Exists && !s.Discontinued
}

// Recipient is the shipping destination sent with a manufacturing order.
type Recipient struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip"`
}

// SubmitItem is one manufacturing line.
type SubmitItem struct {
	ExternalID string
	VariantID  string
	Quantity   int
	ImageURLs  []string
	Size       string
	Color      string
}

// SubmitRequest is the full manufacturing order.
type SubmitRequest struct {
	// ExternalID is the merchant order reference; the partner rejects duplicates.
	ExternalID string
	Recipient  Recipient
	Items      []SubmitItem
}

// SubmitResult carries the partner's order reference.
type SubmitResult struct {
	ExternalOrderID string
	Status          string
}

// PartnerError preserves the partner's rejection message.
type PartnerError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface.
func (e *PartnerError) Error() string {
	if e == nil {
		return "fulfillment: <nil>"
	}
	return fmt.Sprintf("fulfillment: partner rejected request (status %d): %s", e.StatusCode, e.Message)
}

// Duplicate reports whether the partner refused the order because one with the
// same external id already exists.
func (e *PartnerError) Duplicate() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "external_id") && strings.Contains(msg, "already exists")
}

// Gateway is the manufacturing partner integration used by the pipeline.
type Gateway interface {
	ValidateVariant(ctx context.Context, variantID string) (VariantStatus, error)
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	LookupOrder(ctx context.Context, externalID string) (SubmitResult, error)
}

// Doer is the subset of the partner client used by the gateway.
type Doer interface {
	Do(ctx context.Context, req partnerapi.Request, out any) error
}

// HTTPGateway implements Gateway against the partner REST API.
type HTTPGateway struct {
	client      Doer
	autoConfirm bool
}

// NewHTTPGateway constructs a fulfillment gateway. When autoConfirm is set the
// partner starts manufacturing immediately instead of holding a draft.
func NewHTTPGateway(client Doer, autoConfirm bool) (*HTTPGateway, error) {
	if client == nil {
		return nil, errors.New("fulfillment: partner client is required")
	}
	return &HTTPGateway{client: client, autoConfirm: autoConfirm}, nil
}

type variantPayload struct {
	Variant struct {
		ID           int64  `json:"id"`
		Price        string `json:"price"`
		InStock      *bool  `json:"in_stock"`
		Discontinued bool   `json:"is_discontinued"`
	} `json:"variant"`
}

// ValidateVariant asks the partner whether the variant still exists and can be produced.
func (g *HTTPGateway) ValidateVariant(ctx context.Context, variantID string) (VariantStatus, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return VariantStatus{}, nil
	}
	var payload variantPayload
	err := g.client.Do(ctx, partnerapi.Request{
		Operation: "fulfillment.variant",
		Method:    http.MethodGet,
		Path:      "products/variant/" + variantID,
	}, &payload)
	if err != nil {
		if partnerapi.IsNotFound(err) {
			return VariantStatus{Exists: false}, nil
		}
		return VariantStatus{}, translateError(err)
	}

	status := VariantStatus{
		Exists:       true,
		Discontinued: payload.Variant.Discontinued || (payload.Variant.InStock != nil && !*payload.Variant.InStock),
	}
	if payload.Variant.Price != "" {
		price, err := catalog.ParseMinorUnits(payload.Variant.Price)
		if err != nil {
			return VariantStatus{}, fmt.Errorf("fulfillment: variant %s: %w", variantID, err)
		}
		status.Price = price
	}
	return status, nil
}

type orderPayload struct {
	ExternalID string             `json:"external_id"`
	Recipient  Recipient          `json:"recipient"`
	Items      []orderItemPayload `json:"items"`
}

type orderItemPayload struct {
	ExternalID string        `json:"external_id,omitempty"`
	VariantID  int64         `json:"variant_id"`
	Quantity   int           `json:"quantity"`
	Files      []filePayload `json:"files,omitempty"`
	Options    []itemOption  `json:"options,omitempty"`
}

type filePayload struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url"`
}

type itemOption struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type orderResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// SubmitOrder creates one manufacturing order. It never retries.
func (g *HTTPGateway) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if len(req.Items) == 0 {
		return SubmitResult{}, errors.New("fulfillment: submit requires at least one item")
	}
	payload := orderPayload{
		ExternalID: req.ExternalID,
		Recipient:  req.Recipient,
		Items:      make([]orderItemPayload, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		variantID, err := strconv.ParseInt(strings.TrimSpace(item.VariantID), 10, 64)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("fulfillment: invalid variant id %q", item.VariantID)
		}
		line := orderItemPayload{
			ExternalID: item.ExternalID,
			VariantID:  variantID,
			Quantity:   item.Quantity,
		}
		for idx, imageURL := range item.ImageURLs {
			line.Files = append(line.Files, filePayload{Type: placementFor(idx), URL: imageURL})
		}
		if item.Size != "" {
			line.Options = append(line.Options, itemOption{ID: "size", Value: item.Size})
		}
		if item.Color != "" {
			line.Options = append(line.Options, itemOption{ID: "color", Value: item.Color})
		}
		payload.Items = append(payload.Items, line)
	}

	query := url.Values{}
	if g.autoConfirm {
		query.Set("confirm", "true")
	}

	var resp orderResponse
	err := g.client.Do(ctx, partnerapi.Request{
		Operation: "fulfillment.submit",
		Method:    http.MethodPost,
		Path:      "orders",
		Query:     query,
		Body:      payload,
	}, &resp)
	if err != nil {
		return SubmitResult{}, translateError(err)
	}
	if resp.ID == 0 {
		return SubmitResult{}, &PartnerError{StatusCode: http.StatusOK, Message: "partner response did not include an order id"}
	}
	return SubmitResult{ExternalOrderID: strconv.FormatInt(resp.ID, 10), Status: resp.Status}, nil
}

// LookupOrder fetches the partner order created for a merchant external id.
func (g *HTTPGateway) LookupOrder(ctx context.Context, externalID string) (SubmitResult, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return SubmitResult{}, errors.New("fulfillment: external id is required")
	}
	var resp orderResponse
	err := g.client.Do(ctx, partnerapi.Request{
		Operation: "fulfillment.lookup",
		Method:    http.MethodGet,
		Path:      "orders/@" + url.PathEscape(externalID),
	}, &resp)
	if err != nil {
		return SubmitResult{}, translateError(err)
	}
	if resp.ID == 0 {
		return SubmitResult{}, &PartnerError{StatusCode: http.StatusOK, Message: "partner response did not include an order id"}
	}
	return SubmitResult{ExternalOrderID: strconv.FormatInt(resp.ID, 10), Status: resp.Status}, nil
}

func placementFor(idx int) string {
	switch idx {
	case 0:
		return "front"
	case 1:
		return "back"
	default:
		return ""
	}
}

func translateError(err error) error {
	var apiErr *partnerapi.APIError
	if errors.As(err, &apiErr) {
		return &PartnerError{StatusCode: apiErr.StatusCode, Message: apiErr.Message, Retryable: apiErr.Retryable()}
	}
	if partnerapi.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}
