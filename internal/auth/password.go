package auth

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes
	maxPasswordLength = 72
	passwordSpecials  = `!@#$%^&*()_+-=[]{}|;:,.<>?`
)

// dummyHash is compared against when the user does not exist so that an
// unknown email costs the same as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("gatehouse-timing-pad"), bcrypt.DefaultCost)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePassword applies the password policy. Policy violations are
// reported together as one ErrWeakPassword field error; a confirmation that
// differs is ErrPasswordMismatch.
func ValidatePassword(password, confirmation string) error {
	var reasons []string
	if len(password) < minPasswordLength {
		reasons = append(reasons, "must be at least 8 characters")
	}
	if len(password) > maxPasswordLength {
		reasons = append(reasons, "must be at most 72 bytes")
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !upper {
		reasons = append(reasons, "must contain an uppercase letter")
	}
	if !lower {
		reasons = append(reasons, "must contain a lowercase letter")
	}
	if !digit {
		reasons = append(reasons, "must contain a digit")
	}
	if !special {
		reasons = append(reasons, "must contain one of "+passwordSpecials)
	}
	if len(reasons) > 0 {
		return fieldError(ErrWeakPassword, "password", reasons...)
	}
	if password != confirmation {
		return fieldError(ErrPasswordMismatch, "password_confirmation", "does not match password")
	}
	return nil
}
