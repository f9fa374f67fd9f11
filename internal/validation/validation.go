package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates v and returns an invalid_request error listing the
// offending fields.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	msgs := Format(err)
	if len(msgs) == 0 {
		return domain.Errorf(domain.CodeInvalidRequest, "%v", err)
	}
	return domain.Errorf(domain.CodeInvalidRequest, "%s", strings.Join(msgs, "; ")).WithDetails(map[string]any{"fields": msgs})
}

func Format(err error) []string {
	var errs []string
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Sprintf("%s is required", field))
		case "gt":
			errs = append(errs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "gte", "min":
			errs = append(errs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		case "lte", "max":
			errs = append(errs, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		case "oneof":
			errs = append(errs, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
		case "url", "http_url":
			errs = append(errs, fmt.Sprintf("%s must be a valid URL", field))
		case "nefield":
			errs = append(errs, fmt.Sprintf("%s must differ from %s", field, e.Param()))
		default:
			errs = append(errs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
		}
	}
	return errs
}
