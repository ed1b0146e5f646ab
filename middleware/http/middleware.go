// Package http provides net/http middleware that charges one spec credit
// per request.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/specquota/pkg/auth"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// SpecIDExtractor extracts the spec being created from an HTTP request
type SpecIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the credits ledger (required)
	Ledger *credits.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetSpecID extracts the spec ID from request (required)
	GetSpecID SpecIDExtractor

	// OnInsufficientCredits is called when the user cannot pay for the spec
	// If nil, returns 403 Forbidden
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request)

	// OnSpecLimitReached is called when the user already holds the maximum
	// number of specs. If nil, returns 409 Conflict
	OnSpecLimitReached func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that consumes a credit before the
// wrapped handler runs. The ledger result is available via ResultFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ledger == nil {
		panic("specquota/http: Config.Ledger is required")
	}
	if config.GetUserID == nil {
		panic("specquota/http: Config.GetUserID is required")
	}
	if config.GetSpecID == nil {
		panic("specquota/http: Config.GetSpecID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			specID := config.GetSpecID(r)
			if specID == "" {
				writeError(w, http.StatusBadRequest, "spec ID is required")
				return
			}

			res, err := config.Ledger.ConsumeCredit(r.Context(), userID, specID)
			if err != nil {
				switch {
				case errors.Is(err, credits.ErrInsufficientCredits):
					if config.OnInsufficientCredits != nil {
						config.OnInsufficientCredits(w, r)
					} else {
						writeError(w, http.StatusForbidden, "Insufficient credits")
					}
				case errors.Is(err, credits.ErrSpecLimitReached):
					if config.OnSpecLimitReached != nil {
						config.OnSpecLimitReached(w, r)
					} else {
						writeError(w, http.StatusConflict, "Spec limit reached")
					}
				case errors.Is(err, credits.ErrInvalidInput):
					writeError(w, http.StatusBadRequest, err.Error())
				default:
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						writeError(w, http.StatusInternalServerError, "Internal Server Error")
					}
				}
				return
			}

			w.Header().Set("X-Credit-Source", string(res.CreditSource))
			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that consumes a credit (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "specquota:userID"

	resultKey ContextKey = "specquota:result"
)

// WithResult adds the consumption result to ctx
func WithResult(ctx context.Context, res *credits.Result) context.Context {
	return context.WithValue(ctx, resultKey, res)
}

// ResultFromContext returns the result stored by Middleware
func ResultFromContext(ctx context.Context) (*credits.Result, bool) {
	res, ok := ctx.Value(resultKey).(*credits.Result)
	return res, ok
}

// FromIdentity returns an UserIDExtractor reading the caller verified by
// auth.Verifier.Middleware
func FromIdentity() UserIDExtractor {
	return func(r *http.Request) string {
		if id, ok := auth.FromContext(r.Context()); ok {
			return id.UserID
		}
		return ""
	}
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// SpecFromPath reads the spec ID from a ServeMux path wildcard
func SpecFromPath(name string) SpecIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// SpecFromHeader reads the spec ID from a header
func SpecFromHeader(headerName string) SpecIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
