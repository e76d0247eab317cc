package validator

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var voucherCodePattern = regexp.MustCompile(`^[A-Z0-9-]{6,50}$`)

// New creates a new validator instance with custom validations registered.
// This ensures consistent validation across the application and tests.
func New() *validator.Validate {
	v := validator.New()

	// Register custom "notblank" validator - rejects whitespace-only strings
	// This is used for fields like voucher codes that must have meaningful content
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		str, ok := fl.Field().Interface().(string)
		if !ok {
			return true // Not a string, let other validators handle it
		}
		return strings.TrimSpace(str) != ""
	})

	// Register "vouchercode" - mirrors the authoritative format check the
	// claim coordinator runs again before touching the store.
	_ = v.RegisterValidation("vouchercode", func(fl validator.FieldLevel) bool {
		str, ok := fl.Field().Interface().(string)
		if !ok {
			return true
		}
		return voucherCodePattern.MatchString(str)
	})

	return v
}
