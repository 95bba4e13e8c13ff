package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level, concurrency-safe validator instance, run
// against the inbound dialect structs' `validate:"..."` tags before
// translation (spec §4.J step 2 "validate").
//
// Grounded on wisbric-nightowl's internal/httpserver/validate.go.
var validate = validator.New(validator.WithRequiredStructEnabled())

// validateRequest runs struct-tag validation and renders the first failing
// field as a malformed_request message.
func validateRequest(v any) string {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Sprintf("%s: %s", jsonFieldName(ve[0]), fieldErrorMessage(ve[0]))
		}
		return err.Error()
	}
	return ""
}

func jsonFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return ns
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed on %q validation", fe.Tag())
	}
}
