// Package auth provides the identity context: JWT bearer-token middleware
// that puts the caller's owner id on the request context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	ozzo "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metrics"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	Issuer = "fileflow"

	// DefaultTokenTTL is the lifetime of tokens minted by IssueToken.
	DefaultTokenTTL = 30 * 24 * time.Hour
)

// Owner ids become the first segment of every storage key.
var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Claims holds JWT token claims. Subject is the owner id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID returns the subject claim.
func (c *Claims) OwnerID() string {
	return c.Subject
}

// Auth validates HMAC-signed bearer tokens.
type Auth struct {
	secret []byte
}

// New creates a new Auth handler.
func New(jwtSecret string) *Auth {
	return &Auth{secret: []byte(jwtSecret)}
}

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.ValidateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.Debug("token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		ctx := logging.SetOwner(WithClaims(r.Context(), claims), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// OwnerID returns the caller's owner id, or "" when unauthenticated.
func OwnerID(ctx context.Context) string {
	if c := GetClaims(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// ValidOwnerID checks that id can serve as a storage key prefix.
func ValidOwnerID(id string) error {
	return ozzo.Validate(id,
		ozzo.Required,
		ozzo.Length(1, 128),
		ozzo.Match(ownerPattern).Error("must contain only letters, digits, '.', '_' or '-'"),
	)
}

// IssueToken mints a token for ownerID. Tokens are normally minted
// elsewhere; this serves tests and operators.
func (a *Auth) IssueToken(ownerID, name string, ttl time.Duration) (string, time.Time, error) {
	if err := ValidOwnerID(ownerID); err != nil {
		return "", time.Time{}, fmt.Errorf("owner id: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// ValidateToken parses tokenStr and checks its signature, expiry and
// subject.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if err := ValidOwnerID(claims.Subject); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback, used by EventSource and websocket clients
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
