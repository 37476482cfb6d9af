package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/video-qc/internal/metrics"
)

// Token settings.
const (
	TokenTTL    = 24 * time.Hour
	TokenIssuer = "video-qc"
)

var (
	ErrMissingSecret     = errors.New("jwt secret is required")
	ErrEmptyUsername     = errors.New("username is required")
	ErrMissingAuthHeader = errors.New("authorization header missing")
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// JWTService issues and validates HS256 tokens.
type JWTService struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTService creates a JWTService signing with secret.
func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &JWTService{secret: secret, ttl: TokenTTL}, nil
}

// GenerateToken creates a JWT valid for 24 hours.
func (s *JWTService) GenerateToken(username string) (string, error) {
	if username == "" {
		return "", ErrEmptyUsername
	}

	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    TokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses a token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(TokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractTokenFromRequest reads the bearer token from the Authorization header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	// Parse parts
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrInvalidAuthFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// SetClaimsInContext stores claims on the context.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// GetClaimsFromContext returns the claims stored by the middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Middleware requires a valid bearer token. Clients that keep presenting bad
// tokens are rejected by the rate limiter.
func (s *JWTService) Middleware(rl *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if wait, blocked := rl.blocked(ip); blocked {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				w.Header().Set("Retry-After", RetryAfterValue(wait))
				http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
				return
			}

			tokenString, err := ExtractTokenFromRequest(r)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			claims, err := s.ValidateToken(tokenString)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				if rl != nil {
					rl.RecordFailure(ip)
				}
				http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaimsInContext(r.Context(), claims)))
		}
	}
}
