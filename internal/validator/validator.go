package validator

import (
	"errors"
	"fmt"
	"regexp"

	"clubchat/internal/models"

	"github.com/go-playground/validator/v10"
)

var (
	lowercase = regexp.MustCompile(`[a-z]`)
	uppercase = regexp.MustCompile(`[A-Z]`)
	number    = regexp.MustCompile(`\d`)
)

// New returns a validator with the "password" and "channelkind" tags.
func New() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return Password(fl.Field().String()) == nil
	})
	validate.RegisterValidation("channelkind", func(fl validator.FieldLevel) bool {
		switch models.ChannelKind(fl.Field().String()) {
		case models.ChannelPublic, models.ChannelPrivate:
			return true
		default:
			return false
		}
	})

	return validate
}

func Password(password string) error {
	length := len(password)
	if length < 6 {
		return fmt.Errorf("short_password")
	} else if length > 32 {
		return fmt.Errorf("long_password")
	}

	if !lowercase.MatchString(password) {
		return fmt.Errorf("no_lowercase")
	}
	if !uppercase.MatchString(password) {
		return fmt.Errorf("no_uppercase")
	}
	if !number.MatchString(password) {
		return fmt.Errorf("no_number")
	}
	return nil
}

// FieldErrors maps each failing field to the tag that rejected it. Errors
// that aren't validation errors come back unchanged.
func FieldErrors(err error) (map[string]string, error) {
	var validateErrs validator.ValidationErrors
	if !errors.As(err, &validateErrs) {
		return nil, err
	}

	fields := make(map[string]string, len(validateErrs))
	for _, e := range validateErrs {
		fields[e.Field()] = e.Tag()
	}
	return fields, nil
}
