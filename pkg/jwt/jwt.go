package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes. Reset tokens are only good for the password-reset
// confirm endpoint, never for API access.
const (
	PurposeAccess  = "access"
	PurposeRefresh = "refresh"
	PurposeReset   = "reset"
)

// Claims carried by every token issued by the service
type Claims struct {
	UserID   uuid.UUID `json:"uid"`
	Username string    `json:"username"`
	Purpose  string    `json:"purpose"`
	jwt.RegisteredClaims
}

// Service issues and validates HS256 session tokens
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewService(secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *Service) GenerateAccessToken(userID uuid.UUID, username string) (string, error) {
	return s.generate(userID, username, PurposeAccess, s.accessTTL)
}

func (s *Service) GenerateRefreshToken(userID uuid.UUID, username string) (string, error) {
	return s.generate(userID, username, PurposeRefresh, s.refreshTTL)
}

// GenerateResetToken issues a short-lived token for password-reset confirmation
func (s *Service) GenerateResetToken(userID uuid.UUID, username string) (string, error) {
	return s.generate(userID, username, PurposeReset, 15*time.Minute)
}

func (s *Service) generate(userID uuid.UUID, username, purpose string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := &Claims{
		UserID:   userID,
		Username: username,
		Purpose:  purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken parses a token and checks its signature and expiry
func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(t *jwt.Token) (any, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ValidatePurpose validates a token and additionally checks it was
// issued for the expected purpose
func (s *Service) ValidatePurpose(tokenStr, purpose string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("token purpose mismatch: expected %s, got %s", purpose, claims.Purpose)
	}
	return claims, nil
}
