package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/printcraft/api/internal/catalog"
	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/repositories"
)

const (
	defaultMaxLineItems = 25
	defaultMaxQuantity  = 100
)

// OrderValidatorDeps bundles collaborators required to construct the validator.
type OrderValidatorDeps struct {
	Catalog      CatalogGateway
	Designs      repositories.DesignRepository
	Currency     string
	Pricing      domain.PricingPolicy
	MaxLineItems int
	MaxQuantity  int
	Clock        func() time.Time
}

type orderValidator struct {
	catalog      CatalogGateway
	designs      repositories.DesignRepository
	currency     string
	pricing      domain.PricingPolicy
	maxLineItems int
	maxQuantity  int
	clock        func() time.Time
	validate     *validator.Validate
}

var _ OrderValidator = (*orderValidator)(nil)

// NewOrderValidator constructs the checkout validator.
func NewOrderValidator(deps OrderValidatorDeps) (OrderValidator, error) {
	if deps.Catalog == nil {
		return nil, errors.New("order validator: catalog gateway is required")
	}
	if deps.Designs == nil {
		return nil, errors.New("order validator: design repository is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		return nil, errors.New("order validator: currency is required")
	}
	maxLines := deps.MaxLineItems
	if maxLines <= 0 {
		maxLines = defaultMaxLineItems
	}
	maxQuantity := deps.MaxQuantity
	if maxQuantity <= 0 {
		maxQuantity = defaultMaxQuantity
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &orderValidator{
		catalog:      deps.Catalog,
		designs:      deps.Designs,
		currency:     currency,
		pricing:      deps.Pricing,
		maxLineItems: maxLines,
		maxQuantity:  maxQuantity,
		clock: func() time.Time {
			return clock().UTC()
		},
		validate: newStructValidator(),
	}, nil
}

// newStructValidator reports field errors using their JSON names.
func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (v *orderValidator) Validate(ctx context.Context, cmd ValidateOrderCommand) (ValidatedOrder, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return ValidatedOrder{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	design, err := v.loadDesign(ctx, actorID, strings.TrimSpace(cmd.DesignID))
	if err != nil {
		return ValidatedOrder{}, err
	}

	address := normaliseAddress(cmd.ShippingAddress)
	problems := v.structProblems("shippingAddress", address)

	switch {
	case len(cmd.Items) == 0:
		problems = append(problems, Problem{Field: "items", Message: "at least one item is required"})
	case len(cmd.Items) > v.maxLineItems:
		problems = append(problems, Problem{Field: "items", Message: fmt.Sprintf("at most %d items are allowed", v.maxLineItems)})
	}

	lines := make([]CartLine, len(cmd.Items))
	for i, line := range cmd.Items {
		line.VariantID = strings.TrimSpace(line.VariantID)
		line.Size = strings.TrimSpace(line.Size)
		line.Color = strings.TrimSpace(line.Color)
		lines[i] = line
		problems = append(problems, v.structProblems(fmt.Sprintf("items[%d]", i), line)...)
		if line.Quantity > v.maxQuantity {
			problems = append(problems, Problem{Field: fmt.Sprintf("items[%d].quantity", i), Message: fmt.Sprintf("must be at most %d", v.maxQuantity)})
		}
	}

	variants, variantProblems, unavailable := v.resolveVariants(ctx, lines, address.Country)
	problems = append(problems, variantProblems...)
	if len(problems) > 0 {
		return ValidatedOrder{}, &ValidationError{Problems: problems}
	}
	if len(unavailable) > 0 {
		return ValidatedOrder{}, &ValidationError{Problems: unavailable, Retryable: true}
	}

	now := v.clock()
	items := make([]domain.OrderItem, len(lines))
	for i, line := range lines {
		variant := variants[line.VariantID]
		items[i] = domain.OrderItem{
			VariantID:   line.VariantID,
			Size:        line.Size,
			Color:       line.Color,
			Quantity:    line.Quantity,
			UnitPrice:   variant.Price,
			TotalPrice:  variant.Price * int64(line.Quantity),
			DisplayName: variant.Name,
			Design:      snapshotOf(design, now),
		}
	}

	return ValidatedOrder{
		Currency:        v.currency,
		ShippingAddress: toDomainAddress(address),
		Items:           items,
		Totals:          v.pricing.PriceTotals(items),
		Design:          design,
	}, nil
}

func (v *orderValidator) loadDesign(ctx context.Context, actorID, designID string) (*domain.Design, error) {
	if designID == "" {
		return nil, nil
	}
	design, err := v.designs.FindByID(ctx, designID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				return nil, &ValidationError{Problems: []Problem{{Field: "designId", Message: "design not found"}}}
			case repoErr.IsUnavailable():
				return nil, &ValidationError{Problems: []Problem{{Field: "designId", Message: "design could not be loaded"}}, Retryable: true}
			}
		}
		return nil, fmt.Errorf("order validator: load design %s: %w", designID, err)
	}
	if design.DeletedAt != nil {
		return nil, &ValidationError{Problems: []Problem{{Field: "designId", Message: "design not found"}}}
	}
	if design.OwnerID != actorID {
		return nil, fmt.Errorf("%w: design %s", ErrOrderPermissionDenied, designID)
	}
	if !design.Printable() {
		return nil, &DesignNotPrintableError{DesignID: designID}
	}
	return &design, nil
}

// resolveVariants looks each distinct variant up once. Hard problems and
// availability failures are reported separately.
func (v *orderValidator) resolveVariants(ctx context.Context, lines []CartLine, country string) (map[string]catalog.Variant, []Problem, []Problem) {
	variants := make(map[string]catalog.Variant, len(lines))
	seen := make(map[string]bool, len(lines))
	var problems, unavailable []Problem
	for _, line := range lines {
		id := line.VariantID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		variant, err := v.catalog.ResolveVariant(ctx, id)
		switch {
		case errors.Is(err, catalog.ErrVariantNotFound):
			problems = append(problems, Problem{VariantID: id, Message: "variant not found"})
			continue
		case err != nil:
			unavailable = append(unavailable, Problem{VariantID: id, Message: "catalog unavailable, try again"})
			continue
		}

		switch {
		case variant.Discontinued:
			problems = append(problems, Problem{VariantID: id, Message: "variant is discontinued"})
		case variant.Price <= 0:
			problems = append(problems, Problem{VariantID: id, Message: "variant has no price"})
		case variant.Currency != "" && !strings.EqualFold(variant.Currency, v.currency):
			problems = append(problems, Problem{VariantID: id, Message: fmt.Sprintf("variant is priced in %s, not %s", strings.ToUpper(variant.Currency), v.currency)})
		case country != "" && !variant.ShipsToCountry(country):
			problems = append(problems, Problem{VariantID: id, Message: fmt.Sprintf("variant does not ship to %s", country)})
		default:
			variants[id] = variant
		}
	}
	return variants, problems, unavailable
}

func (v *orderValidator) structProblems(prefix string, value any) []Problem {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Problem{{Field: prefix, Message: err.Error()}}
	}
	problems := make([]Problem, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, Problem{
			Field:   prefix + "." + fe.Field(),
			Message: describeFieldError(fe),
		})
	}
	return problems
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "iso3166_1_alpha2":
		return "must be an ISO 3166-1 alpha-2 country code"
	default:
		return "is invalid"
	}
}

func normaliseAddress(addr Address) Address {
	return Address{
		Name:       strings.TrimSpace(addr.Name),
		Email:      strings.TrimSpace(addr.Email),
		Phone:      strings.TrimSpace(addr.Phone),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
	}
}

func toDomainAddress(addr Address) domain.ShippingAddress {
	return domain.ShippingAddress{
		Name:       addr.Name,
		Email:      addr.Email,
		Phone:      addr.Phone,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

func snapshotOf(design *domain.Design, now time.Time) *domain.DesignSnapshot {
	if design == nil {
		return nil
	}
	return &domain.DesignSnapshot{
		DesignID:      design.ID,
		Name:          design.Name,
		FrontImageURL: design.FrontImage,
		BackImageURL:  design.BackImage,
		CapturedAt:    now,
	}
}
