package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// PasswordService handles password hashing
type PasswordService struct {
	bcryptCost int
}

// NewPasswordService creates a password service. A cost outside bcrypt's
// range falls back to bcrypt.DefaultCost.
func NewPasswordService(cost int) *PasswordService {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordService{bcryptCost: cost}
}

// HashPassword checks strength, then hashes a password using bcrypt
func (s *PasswordService) HashPassword(password string) (string, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash
func (s *PasswordService) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// MinPasswordLength is the shortest password the server accepts
const MinPasswordLength = 8

// ErrWeakPassword is returned when a password misses a strength rule. The
// wrapped message lists every rule it misses so a registration form can show
// them all at once.
var ErrWeakPassword = errors.New("password too weak")

// ValidatePasswordStrength checks a password against the server's rules
// before it is sent for registration: MinPasswordLength characters with an
// uppercase letter, a lowercase letter, a number and a special character.
func ValidatePasswordStrength(password string) error {
	var missing []string
	if utf8.RuneCountInString(password) < MinPasswordLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", MinPasswordLength))
	}

	var upper, lower, number, special bool
	for _, r := range password {
		upper = upper || unicode.IsUpper(r)
		lower = lower || unicode.IsLower(r)
		number = number || unicode.IsNumber(r)
		special = special || unicode.IsPunct(r) || unicode.IsSymbol(r)
	}
	for _, rule := range []struct {
		ok   bool
		desc string
	}{
		{upper, "an uppercase letter"},
		{lower, "a lowercase letter"},
		{number, "a number"},
		{special, "a special character"},
	} {
		if !rule.ok {
			missing = append(missing, rule.desc)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: needs %s", ErrWeakPassword, strings.Join(missing, ", "))
	}
	return nil
}
