package protocol

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// NewCredentials trims and validates a username/password pair
func NewCredentials(username, password string) (Credentials, error) {
	creds := Credentials{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
	}
	if err := ValidateCredentials(creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// ValidateCredentials checks credentials against the login field rules
func ValidateCredentials(creds Credentials) error {
	if err := validate.Struct(creds); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid %s: failed %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("invalid credentials: %w", err)
	}
	return nil
}
