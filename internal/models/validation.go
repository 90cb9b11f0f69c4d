package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Global validator instance (reused across all models)
var validate = validator.New()

// Validate checks a model's struct-tag invariants. Failures wrap ErrBadRequest
// and name the first offending field.
func Validate(model any) error {
	if err := validate.Struct(model); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("%w: %s: %s", ErrBadRequest, ve[0].Namespace(), formatValidationError(ve[0]))
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// formatValidationError converts a validator FieldError to a readable message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "ip":
		return "must be a valid IP address"
	case "min":
		return fmt.Sprintf("must have a minimum length of %s", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum length of %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
