package domain

// PricingPolicy captures the order-level charges applied on top of line items.
type PricingPolicy struct {
	ShippingFlatFee    int64
	TaxRateBasisPoints int64
}

// PriceTotals derives order totals from priced items. Tax applies to the
// subtotal only and is rounded half up to the nearest minor unit.
func (p PricingPolicy) PriceTotals(items []OrderItem) OrderTotals {
	var subtotal int64
	for _, item := range items {
		subtotal += item.TotalPrice
	}
	tax := roundHalfUp(subtotal*p.TaxRateBasisPoints, 10000)
	return OrderTotals{
		Subtotal: subtotal,
		Shipping: p.ShippingFlatFee,
		Tax:      tax,
		Total:    subtotal + p.ShippingFlatFee + tax,
	}
}

func roundHalfUp(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	if numerator < 0 {
		return -roundHalfUp(-numerator, denominator)
	}
	return (numerator + denominator/2) / denominator
}
