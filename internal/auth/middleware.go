package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ErrMissingToken is returned when a request carries no bearer token
var ErrMissingToken = errors.New("missing or invalid Authorization header")

// TokenValidator checks bearer tokens
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*OperatorClaims, error)
}

// OperatorContextKey is the key used to store claims in the request context
type OperatorContextKey string

const OperatorKey OperatorContextKey = "operator"

// OperatorClaims are the claims accepted on control requests
type OperatorClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTValidator validates tokens against either a JWKS endpoint or a
// shared HS256 secret.
type JWTValidator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	methods []string
}

// NewJWTValidator builds a validator for cfg. With a JWKS URL the key set
// is fetched once here and refreshed in the background until ctx ends.
func NewJWTValidator(ctx context.Context, cfg Config) (*JWTValidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &JWTValidator{cfg: cfg}
	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{cfg.JWKSURL}, keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
		}
		v.keyfunc = jwks.Keyfunc
		v.methods = []string{jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name}
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		v.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		v.methods = []string{jwt.SigningMethodHS256.Name}
	default:
		return nil, fmt.Errorf("auth is not configured")
	}
	return v, nil
}

// ValidateToken parses and verifies a token, then checks issuer and
// audience when configured.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*OperatorClaims, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request context cancelled: %w", err)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods), jwt.WithExpirationRequired()}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// ExtractToken returns the bearer token from the Authorization header
func ExtractToken(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware rejects requests without a valid bearer token
func Middleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := ExtractToken(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				message := "Invalid authentication token"
				switch {
				case errors.Is(err, jwt.ErrTokenExpired):
					message = "Authentication token has expired"
				case errors.Is(err, jwt.ErrTokenSignatureInvalid):
					// Forged or mis-signed tokens are worth a look
					sentry.CaptureException(err)
				}
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("JWT validation failed")
				writeAuthError(w, message, http.StatusUnauthorized)
				return
			}

			log.Info().
				Str("subject", claims.Subject).
				Str("path", r.URL.Path).
				Msg("Authorised control request")
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), OperatorKey, claims)))
		})
	}
}

// Require returns the auth middleware for cfg, or a passthrough when auth
// is disabled.
func Require(ctx context.Context, cfg *Config) (func(http.Handler) http.Handler, error) {
	if cfg == nil || !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	validator, err := NewJWTValidator(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	return Middleware(validator), nil
}

// GetOperatorFromContext extracts claims stored by Middleware
func GetOperatorFromContext(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(OperatorKey).(*OperatorClaims)
	return claims, ok
}

// writeAuthError writes a standardised authentication error response
func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     statusCode,
		"message":    message,
		"code":       "UNAUTHORISED",
		"request_id": w.Header().Get("X-Request-ID"),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}
