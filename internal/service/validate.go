package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/shopspring/decimal"
)

// maxMoneyDecimals is the precision of money amounts set by buyers.
const maxMoneyDecimals = 7

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}

		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}

		return d.IsPositive() && d.Equal(d.Truncate(maxMoneyDecimals))
	})

	return v
}

// validatePreferences checks the buyer's preferences and names every failed
// field in the returned error.
func (s *Service) validatePreferences(prefs purchase.Preferences) error {
	err := s.validate.Struct(prefs)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", purchase.ErrInvalidPreferences, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}

	return fmt.Errorf("%w: %s", purchase.ErrInvalidPreferences, strings.Join(fields, ", "))
}
