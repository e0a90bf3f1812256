// Package auth issues and verifies the JWTs that identify users to the
// operation routes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service handles authentication operations.
type Service struct {
	jwtSecret     []byte
	tokenExpiry   time.Duration
	adminUsername string
	adminPassword string
}

// Claims represents JWT token claims.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// LoginRequest represents the login payload.
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1"`
	Password string `json:"password" validate:"required,min=1"`
}

// LoginResponse represents the login response.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewService creates a new authentication service.
func NewService(jwtSecret, adminUsername, adminPassword string, tokenExpiry time.Duration) (*Service, error) {
	if len(jwtSecret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 characters")
	}
	return &Service{
		jwtSecret:     []byte(jwtSecret),
		tokenExpiry:   tokenExpiry,
		adminUsername: adminUsername,
		adminPassword: adminPassword,
	}, nil
}

// Login validates the admin credentials and issues a token.
func (s *Service) Login(username, password string) (*LoginResponse, error) {
	if username != s.adminUsername || password != s.adminPassword {
		return nil, errors.New("invalid credentials")
	}
	return s.IssueToken(username)
}

// IssueToken creates a signed JWT for the given username.
func (s *Service) IssueToken(username string) (*LoginResponse, error) {
	expiresAt := time.Now().Add(s.tokenExpiry)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "sessiond",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &LoginResponse{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify parses and validates a token string and returns its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
