package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"rhema/internal/types"
)

// Validator wraps go-playground/validator and reports failures as AppErrors
// keyed by JSON field names.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator that names fields after their json tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. A missing required field yields
// validation_missing_required_field; any other rule violation yields
// validation_invalid_field. Details list every failing field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	code := types.ErrCodeValidationInvalidField
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
	}

	first := verrs[0]
	message := fmt.Sprintf("%s failed %s validation", first.Field(), first.Tag())
	if code == types.ErrCodeValidationMissingField {
		message = fmt.Sprintf("missing required field(s): %s", strings.Join(requiredFields(verrs), ", "))
	}

	return types.NewAppErrorWithDetails(code, message, err, map[string]any{"fields": fields})
}

func requiredFields(verrs validator.ValidationErrors) []string {
	var out []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			out = append(out, fe.Field())
		}
	}
	return out
}
