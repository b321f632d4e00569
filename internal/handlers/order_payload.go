package handlers

import (
	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/services"
)

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ID          string `json:"id"`
	VariantID   string `json:"variantId"`
	DisplayName string `json:"displayName,omitempty"`
	Size        string `json:"size"`
	Color       string `json:"color"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	TotalPrice  int64  `json:"totalPrice"`
	DesignID    string `json:"designId,omitempty"`
}

type orderShipmentPayload struct {
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
}

type orderPayload struct {
	ID                 string                `json:"id"`
	Number             string                `json:"number"`
	Status             string                `json:"status"`
	Currency           string                `json:"currency"`
	Totals             orderTotalsPayload    `json:"totals"`
	Items              []orderItemPayload    `json:"items"`
	Shipment           *orderShipmentPayload `json:"shipment,omitempty"`
	Refunded           bool                  `json:"refunded"`
	RefundedAmount     int64                 `json:"refundedAmount,omitempty"`
	CancellationReason string                `json:"cancellationReason,omitempty"`
	FailureReason      string                `json:"failureReason,omitempty"`
	CreatedAt          string                `json:"createdAt,omitempty"`
	UpdatedAt          string                `json:"updatedAt,omitempty"`
	PaidAt             string                `json:"paidAt,omitempty"`
	ShippedAt          string                `json:"shippedAt,omitempty"`
	DeliveredAt        string                `json:"deliveredAt,omitempty"`
	CancelledAt        string                `json:"cancelledAt,omitempty"`
}

type pipelineResultPayload struct {
	Outcome string                `json:"outcome"`
	Order   orderPayload          `json:"order"`
	Items   []services.ItemResult `json:"items,omitempty"`
}

// buildOrderPayload renders the customer-facing view. Partner and PSP identifiers stay internal.
func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:       order.ID,
		Number:   order.Number,
		Status:   string(order.Status),
		Currency: order.Currency,
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:              make([]orderItemPayload, 0, len(order.Items)),
		Refunded:           order.Payment.RefundID != "",
		RefundedAmount:     order.Payment.RefundedAmount,
		CancellationReason: order.CancellationReason,
		FailureReason:      order.FailureReason,
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		PaidAt:             formatTimePtr(order.PaidAt),
		ShippedAt:          formatTimePtr(order.ShippedAt),
		DeliveredAt:        formatTimePtr(order.DeliveredAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
	}
	for _, item := range order.Items {
		line := orderItemPayload{
			ID:          item.ID,
			VariantID:   item.VariantID,
			DisplayName: item.DisplayName,
			Size:        item.Size,
			Color:       item.Color,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  item.TotalPrice,
		}
		if item.HasDesign() {
			line.DesignID = item.Design.DesignID
		}
		payload.Items = append(payload.Items, line)
	}
	if f := order.Fulfillment; f.TrackingNumber != "" || f.Carrier != "" {
		payload.Shipment = &orderShipmentPayload{
			Carrier:        f.Carrier,
			TrackingNumber: f.TrackingNumber,
			TrackingURL:    f.TrackingURL,
		}
	}
	return payload
}

func buildPipelineResultPayload(result services.PipelineResult) pipelineResultPayload {
	return pipelineResultPayload{
		Outcome: string(result.Outcome),
		Order:   buildOrderPayload(result.Order),
		Items:   result.Items,
	}
}
