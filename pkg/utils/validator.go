// Package utils holds request validation helpers shared by the HTTP handlers.
package utils

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/errors"
)

var registerOnce sync.Once

// RegisterValidations adds the custom tags to gin's binding validator:
// keyid (decimal key serial) and clientkeyid (printable, no control characters).
func RegisterValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("keyid", validateKeyID)
		_ = v.RegisterValidation("clientkeyid", validateClientKeyID)
	})
}

func validateKeyID(fl validator.FieldLevel) bool {
	_, err := models.ParseKeyID(fl.Field().String())
	return err == nil
}

func validateClientKeyID(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// BindingError turns a bind failure into a BadRequest. Field validation
// failures are listed under the "fields" metadata keyed by snake_case name.
func BindingError(err error) errors.PKIError {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.ErrBadRequest("invalid request body: " + err.Error())
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := toSnakeCase(fe.Field())
		fields[name] = formatValidationError(fe)
		names = append(names, name)
	}
	return errors.ErrBadRequest("invalid fields: " + strings.Join(names, ", ")).
		WithMetadata("fields", fields)
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "keyid":
		return "must be a decimal key id"
	case "clientkeyid":
		return "must be printable and not blank"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}

var (
	matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	matchAllCap   = regexp.MustCompile("([a-z0-9])([A-Z])")
)

// toSnakeCase converts a Go field name to its snake_case JSON form.
func toSnakeCase(str string) string {
	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}
