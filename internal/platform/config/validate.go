package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists configuration fields that are missing or out of range.
// Fields use the Config path (Checkout.Currency) or, for values that failed
// to parse, the environment key.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg Config, unparsed []string) error {
	fields := append([]string(nil), unparsed...)
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			fields = append(fields, fieldPath(fe.StructNamespace()))
		}
	}
	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

// fieldPath turns Config.Fulfillment.PartnerConfig.Timeout into Fulfillment.Timeout.
func fieldPath(namespace string) string {
	namespace = strings.TrimPrefix(namespace, "Config.")
	return strings.ReplaceAll(namespace, ".PartnerConfig", "")
}
