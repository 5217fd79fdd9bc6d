package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hash derives a bcrypt hash from a plaintext password
func Hash(pw string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// Verify compares a stored bcrypt hash against a candidate password
func Verify(hash, pw string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)); err != nil {
		return fmt.Errorf("password mismatch: %w", err)
	}
	return nil
}
