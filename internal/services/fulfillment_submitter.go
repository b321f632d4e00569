package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/fulfillment"
	"github.com/printcraft/api/internal/repositories"
)

const (
	submitEventItemSkipped = "order.fulfillment.item_skipped"
	submitEventImageSource = "order.fulfillment.image_source"
	submitEventSubmitted   = "order.fulfillment.submitted"
	submitEventFailed      = "order.fulfillment.failed"
	submitEventDuplicate   = "order.fulfillment.duplicate"
)

// FulfillmentSubmitterDeps bundles collaborators required to construct the submitter.
type FulfillmentSubmitterDeps struct {
	Gateway FulfillmentGateway
	Designs repositories.DesignRepository
	URLs    AssetURLResolver
	Metrics *PipelineMetrics
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentSubmitter struct {
	gateway FulfillmentGateway
	images  designImageSource
	metrics *PipelineMetrics
	logger  func(context.Context, string, map[string]any)
}

var _ FulfillmentSubmitter = (*fulfillmentSubmitter)(nil)

// NewFulfillmentSubmitter constructs the submitter. It never retries a failed
// submission.
func NewFulfillmentSubmitter(deps FulfillmentSubmitterDeps) (FulfillmentSubmitter, error) {
	if deps.Gateway == nil {
		return nil, errors.New("fulfillment submitter: gateway is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &fulfillmentSubmitter{
		gateway: deps.Gateway,
		images:  designImageSource{designs: deps.Designs, urls: deps.URLs, logger: logger},
		metrics: deps.Metrics,
		logger:  logger,
	}, nil
}

func (s *fulfillmentSubmitter) Submit(ctx context.Context, order domain.Order, renew LeaseRenewer) (SubmissionResult, error) {
	if order.Fulfillment.ExternalOrderID != "" {
		return SubmissionResult{}, ErrAlreadySubmitted
	}
	if order.Status != domain.OrderStatusPaid {
		return SubmissionResult{}, fmt.Errorf("%w: cannot submit %s order", ErrInvalidTransition, order.Status)
	}

	results := make([]ItemResult, 0, len(order.Items))
	submitItems := make([]fulfillment.SubmitItem, 0, len(order.Items))
	for _, item := range order.Items {
		result := s.prepareItem(ctx, order.ID, item)
		results = append(results, result)
		if err := renewLease(ctx, renew); err != nil {
			return SubmissionResult{}, err
		}
		if !result.Submitted {
			s.metrics.ItemSkipped(ctx)
			s.logger(ctx, submitEventItemSkipped, map[string]any{
				"orderId":   order.ID,
				"itemId":    item.ID,
				"variantId": item.VariantID,
				"reason":    result.Reason,
			})
			continue
		}
		submitItems = append(submitItems, fulfillment.SubmitItem{
			ExternalID: item.ID,
			VariantID:  item.VariantID,
			Quantity:   item.Quantity,
			ImageURLs:  result.ImageURLs,
			Size:       item.Size,
			Color:      item.Color,
		})
	}

	if len(submitItems) == 0 {
		return SubmissionResult{}, &NoFulfillableItemsError{OrderID: order.ID, Items: results}
	}
	if err := renewLease(ctx, renew); err != nil {
		return SubmissionResult{}, err
	}

	res, err := s.gateway.SubmitOrder(ctx, fulfillment.SubmitRequest{
		ExternalID: order.ID,
		Recipient:  recipientFor(order.ShippingAddress),
		Items:      submitItems,
	})
	var partnerErr *fulfillment.PartnerError
	if errors.As(err, &partnerErr) && partnerErr.Duplicate() {
		res, err = s.existingOrder(ctx, order.ID, err)
		if err != nil {
			return SubmissionResult{}, err
		}
	}
	if err != nil {
		message := err.Error()
		if errors.As(err, &partnerErr) && partnerErr.Message != "" {
			message = partnerErr.Message
		}
		s.logger(ctx, submitEventFailed, map[string]any{
			"orderId": order.ID,
			"items":   len(submitItems),
			"error":   err.Error(),
		})
		return SubmissionResult{}, &FulfillmentSubmissionError{OrderID: order.ID, Message: message, Err: err}
	}
	if strings.TrimSpace(res.ExternalOrderID) == "" {
		return SubmissionResult{}, &FulfillmentSubmissionError{OrderID: order.ID, Message: "partner returned no order id"}
	}

	s.logger(ctx, submitEventSubmitted, map[string]any{
		"orderId":         order.ID,
		"externalOrderId": res.ExternalOrderID,
		"items":           len(submitItems),
		"skipped":         len(results) - len(submitItems),
	})
	return SubmissionResult{ExternalOrderID: res.ExternalOrderID, Items: results}, nil
}

// existingOrder resolves a duplicate rejection to the partner order created by an
// earlier attempt. The partner already holds the order, so a failed lookup is
// never reported as a submission failure.
func (s *fulfillmentSubmitter) existingOrder(ctx context.Context, orderID string, cause error) (fulfillment.SubmitResult, error) {
	res, err := s.gateway.LookupOrder(ctx, orderID)
	if err == nil && strings.TrimSpace(res.ExternalOrderID) == "" {
		err = errors.New("partner returned no order id")
	}
	s.logger(ctx, submitEventDuplicate, map[string]any{
		"severity":        "WARNING",
		"orderId":         orderID,
		"externalOrderId": res.ExternalOrderID,
		"lookupFailed":    err != nil,
	})
	if err != nil {
		return fulfillment.SubmitResult{}, fmt.Errorf("%w: partner reports %v; lookup failed: %v", ErrAlreadySubmitted, cause, err)
	}
	return res, nil
}

func renewLease(ctx context.Context, renew LeaseRenewer) error {
	if renew == nil {
		return nil
	}
	if err := renew(ctx); err != nil {
		return fmt.Errorf("fulfillment submitter: renew lease: %w", err)
	}
	return nil
}

// prepareItem checks one item and returns a skipped result with a reason when
// it cannot be manufactured.
func (s *fulfillmentSubmitter) prepareItem(ctx context.Context, orderID string, item domain.OrderItem) ItemResult {
	result := ItemResult{ItemID: item.ID, VariantID: item.VariantID}
	switch {
	case strings.TrimSpace(item.VariantID) == "":
		result.Reason = "missing variant"
		return result
	case strings.TrimSpace(item.Size) == "":
		result.Reason = "missing size"
		return result
	case item.Quantity < 1:
		result.Reason = "invalid quantity"
		return result
	}

	if item.HasDesign() {
		refs, source := s.images.candidates(ctx, orderID, item)
		s.logger(ctx, submitEventImageSource, map[string]any{
			"orderId": orderID,
			"itemId":  item.ID,
			"source":  source,
		})
		urls, rejected := s.images.usableImages(ctx, refs)
		if len(urls) == 0 {
			result.Reason = "no usable design images"
			if len(rejected) > 0 {
				result.Reason += " (" + strings.Join(rejected, "; ") + ")"
			}
			return result
		}
		result.ImageURLs = urls
	}

	status, err := s.gateway.ValidateVariant(ctx, item.VariantID)
	switch {
	case err != nil:
		result.Reason = fmt.Sprintf("variant lookup failed: %v", err)
		return result
	case !status.Exists:
		result.Reason = "variant no longer exists"
		return result
	case status.Discontinued:
		result.Reason = "variant discontinued"
		return result
	}

	result.Submitted = true
	return result
}

func recipientFor(addr domain.ShippingAddress) fulfillment.Recipient {
	return fulfillment.Recipient{
		Name:        addr.Name,
		Email:       addr.Email,
		Phone:       addr.Phone,
		Address1:    addr.Line1,
		Address2:    addr.Line2,
		City:        addr.City,
		StateCode:   addr.State,
		CountryCode: addr.Country,
		Zip:         addr.PostalCode,
	}
}
