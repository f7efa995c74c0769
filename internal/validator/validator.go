package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"rewards/internal/models"
	"rewards/internal/money"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidWallet = errors.New("invalid wallet address")

var (
	rawWalletRegex      = regexp.MustCompile(`^-?[0-9]:[0-9a-fA-F]{64}$`)
	friendlyWalletRegex = regexp.MustCompile(`^[A-Za-z0-9_\-+/]{48}$`)
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", f.Field, f.Rule))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		_ = validate.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
			_, err := money.ParsePositive(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("signed_amount", func(fl validator.FieldLevel) bool {
			value, err := money.ParseAmount(fl.Field().String())
			return err == nil && !value.IsZero()
		})
		_ = validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return models.Currency(fl.Field().String()).Valid()
		})
		_ = validate.RegisterValidation("wallet", func(fl validator.FieldLevel) bool {
			return ValidateWallet(fl.Field().String()) == nil
		})
	})
	return validate
}

// Struct validates request structs tagged with `validate`.
func Struct(value any) error {
	err := instance().Struct(value)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	out := &Error{Fields: make([]FieldError, 0, len(errs))}
	for _, fe := range errs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}

// ValidateWallet accepts TON raw (workchain:hex) and user-friendly addresses.
func ValidateWallet(address string) error {
	address = strings.TrimSpace(address)
	if rawWalletRegex.MatchString(address) || friendlyWalletRegex.MatchString(address) {
		return nil
	}
	return ErrInvalidWallet
}
