package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hundreds", validateHundreds)

	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "query"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// validateHundreds accepts whole multiples of 100.
func validateHundreds(fl validator.FieldLevel) bool {
	return fl.Field().Int()%100 == 0
}

// BetRequest is the body of a bet, in the smallest currency unit. A
// stake is capped at 1e8.
type BetRequest struct {
	Amount      int64 `json:"amount" validate:"required,gt=0,max=100000000,hundreds"`
	AutoCashOut int64 `json:"auto_cash_out" validate:"required,min=100"`
}

// SettleRequest asks for an emergency end of the running round.
type SettleRequest struct {
	At int64 `json:"at" validate:"required,min=100"`
}

type verifyQuery struct {
	Hash string `query:"hash" validate:"required,len=64,hexadecimal"`
}

type verifyChainQuery struct {
	From     string `query:"from" validate:"required,len=64,hexadecimal"`
	To       string `query:"to" validate:"required,len=64,hexadecimal"`
	MaxSteps int    `query:"max_steps" validate:"omitempty,min=1,max=1000000"`
}

// formatValidationError turns validator errors into field messages
// without leaking struct names.
func formatValidationError(err error) map[string]string {
	if err == nil {
		return nil
	}

	errs := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errs["error"] = "Invalid request format"
		return errs
	}

	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			errs[field] = "This field is required"
		case "hundreds":
			errs[field] = "Must be a multiple of 100"
		case "gt":
			errs[field] = fmt.Sprintf("Must be greater than %s", e.Param())
		case "min":
			errs[field] = fmt.Sprintf("Must be at least %s", e.Param())
		case "max":
			errs[field] = fmt.Sprintf("Must be at most %s", e.Param())
		case "len", "hexadecimal":
			errs[field] = "Must be a 64 character hex hash"
		default:
			errs[field] = "Invalid value"
		}
	}

	return errs
}
