package rest

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case core.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func errorTitle(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "validation failed"
	case http.StatusTooManyRequests:
		return "quota exceeded"
	default:
		return strings.ToLower(http.StatusText(code))
	}
}

func asValidation(err error) (*core.ValidationError, bool) {
	var v *core.ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// newValidator reports field names by their JSON tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts the first failed rule into a ValidationError.
func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return core.NewValidationError("", "%v", err)
	}
	fe := errs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	reason := "failed the " + fe.Tag() + " rule"
	switch fe.Tag() {
	case "required", "required_without":
		reason = "is required"
	case "min":
		reason = "must be at least " + fe.Param()
	case "max":
		reason = "must be at most " + fe.Param()
	case "oneof":
		reason = "must be one of: " + fe.Param()
	case "uuid":
		reason = "must be a UUID"
	}
	return core.NewValidationError(field, "%s", reason)
}
