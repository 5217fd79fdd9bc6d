package httpserver

import (
	"strings"
)

func validateSignupRequest(req *SignupRequest) error {
	if req.Username == "" {
		return NewValidationError("Username is required")
	}

	if len(req.Username) < 2 {
		return NewValidationError("Username must be at least 2 characters long")
	}

	if len(req.Username) > 28 {
		return NewValidationError("Username must be not more than 28 characters long")
	}

	if err := validateEmail(req.Email); err != nil {
		return err
	}

	return validatePassword(req.Password)
}

func validateEmail(email string) error {
	if email == "" {
		return NewValidationError("Email is required")
	}

	if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		return NewValidationError("Invalid email format")
	}

	return nil
}

func validatePassword(pw string) error {
	if len(pw) < 8 {
		return NewValidationError("Password must be at least 8 characters")
	}

	hasUpper := false
	hasLower := false
	hasDigit := false

	for _, c := range pw {
		switch {
		case 'A' <= c && c <= 'Z':
			hasUpper = true
		case 'a' <= c && c <= 'z':
			hasLower = true
		case '0' <= c && c <= '9':
			hasDigit = true
		}
	}

	if !hasUpper {
		return NewValidationError("Password must contain an uppercase letter")
	}
	if !hasLower {
		return NewValidationError("Password must contain a lowercase letter")
	}
	if !hasDigit {
		return NewValidationError("Password must contain a number")
	}

	return nil
}
