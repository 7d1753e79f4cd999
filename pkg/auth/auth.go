package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RolePassenger Role = "PASSENGER"
	RoleDriver    Role = "DRIVER"
	RoleAdmin     Role = "ADMIN"
)

const issuer = "driver-dispatch"

var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const claimsKey = contextKey("claims")

type AppClaims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the profile part of a token.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Phone  string
}

// JWTManager handles generating and verifying JWT tokens.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{[]byte(secretKey), tokenDuration}
}

func (m *JWTManager) GenerateToken(id Identity, role Role) (string, error) {
	now := time.Now()
	claims := AppClaims{
		UserID: id.UserID,
		Role:   role,
		Name:   id.Name,
		Email:  id.Email,
		Phone:  id.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ParseToken checks the token's validity and returns the claims. A leading
// "Bearer " is accepted.
func (m *JWTManager) ParseToken(tokenString string) (*AppClaims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthMiddleware is an HTTP middleware that verifies the JWT token and,
// when roles are given, that the caller holds one of them.
func (m *JWTManager) AuthMiddleware(next http.Handler, roles ...Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := m.ParseToken(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		if len(roles) > 0 && !hasRole(claims.Role, roles) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("role %s may not access this resource", claims.Role))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func hasRole(role Role, allowed []Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// GetClaims retrieves the AppClaims from the request context.
// This is used by handlers *after* the AuthMiddleware.
func GetClaims(ctx context.Context) (*AppClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*AppClaims)
	return claims, ok
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(code),
		"message": msg,
	})
}
