// Package auth verifies bearer JWTs and puts the caller's identity in the
// request context.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/specquota/pkg/credits"
)

var (
	// ErrMissingToken is returned when the request has no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNotConfigured is returned when no key is configured.
	ErrNotConfigured = errors.New("auth: no verification key configured")
)

// Dev-mode headers.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderAdmin     = "X-User-Admin"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Admin  bool   `json:"admin"`
}

// Claims is the token payload. The user ID is "sub", or "user_id" for
// tokens that keep sub for something else.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Config configures a Verifier. Exactly one of Secret (HS256) or
// PublicKeyPEM (RS256) is needed unless DevHeaders is set.
type Config struct {
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Audience     string

	// DevHeaders trusts X-User-ID / X-User-Email / X-User-Admin when no
	// bearer token is present. Never enable in production.
	DevHeaders bool

	Logger credits.Logger
}

// Verifier checks tokens.
type Verifier struct {
	hmacKey    []byte
	rsaKey     *rsa.PublicKey
	parser     *jwt.Parser
	devHeaders bool
	logger     credits.Logger
}

// NewVerifier builds a verifier from cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{devHeaders: cfg.DevHeaders, logger: cfg.Logger}
	if v.logger == nil {
		v.logger = &credits.NoopLogger{}
	}

	methods := []string{}
	switch {
	case strings.TrimSpace(cfg.PublicKeyPEM) != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		v.rsaKey = key
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	case cfg.Secret != "":
		v.hmacKey = []byte(cfg.Secret)
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	case !cfg.DevHeaders:
		return nil, ErrNotConfigured
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithLeeway(30 * time.Second), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (*Identity, error) {
	if v.hmacKey == nil && v.rsaKey == nil {
		return nil, ErrNotConfigured
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if v.rsaKey != nil {
			return v.rsaKey, nil
		}
		return v.hmacKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := &Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Admin:  claims.Admin || strings.EqualFold(claims.Role, "admin"),
	}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return id, nil
}

// Authenticate extracts the identity from r.
func (v *Verifier) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if token, ok := bearerToken(header); ok {
		return v.Verify(token)
	}
	if v.devHeaders {
		if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
			return &Identity{
				UserID: userID,
				Email:  strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
				Admin:  r.Header.Get(HeaderAdmin) == "true",
			}, nil
		}
	}
	return nil, ErrMissingToken
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Authenticate(r)
		if err != nil {
			v.logger.Debug("authentication failed", credits.F("path", r.URL.Path), credits.Err(err))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin rejects callers without the admin flag. It must run after
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !id.Admin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// NewToken signs an HS256 token for id. Used by tooling and tests.
func NewToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: id.Email,
		Admin: id.Admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
