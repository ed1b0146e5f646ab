// Package echo provides Echo middleware that charges one spec credit per request
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/specquota/pkg/auth"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// ResultKey is the echo context key holding the *credits.Result
const ResultKey = "specquota:result"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// SpecIDExtractor extracts the spec ID from an Echo context
type SpecIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the credits ledger (required)
	Ledger *credits.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetSpecID extracts the spec ID from context (required)
	GetSpecID SpecIDExtractor

	// OnInsufficientCredits is called when the user cannot pay for the spec
	// If nil, returns 403 JSON
	OnInsufficientCredits func(c echo.Context) error

	// OnSpecLimitReached is called when the spec cap is hit
	// If nil, returns 409 JSON
	OnSpecLimitReached func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that consumes a credit before the
// next handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Ledger == nil {
		panic("specquota/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("specquota/echo: Config.GetUserID is required")
	}
	if cfg.GetSpecID == nil {
		panic("specquota/echo: Config.GetSpecID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			specID := cfg.GetSpecID(c)
			if specID == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "spec ID is required"})
			}

			res, err := cfg.Ledger.ConsumeCredit(c.Request().Context(), userID, specID)
			if err != nil {
				return handleError(c, cfg, err)
			}

			c.Set(ResultKey, res)
			c.Response().Header().Set("X-Credit-Source", string(res.CreditSource))
			return next(c)
		}
	}
}

func handleError(c echo.Context, cfg Config, err error) error {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		if cfg.OnInsufficientCredits != nil {
			return cfg.OnInsufficientCredits(c)
		}
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Insufficient credits"})
	case errors.Is(err, credits.ErrSpecLimitReached):
		if cfg.OnSpecLimitReached != nil {
			return cfg.OnSpecLimitReached(c)
		}
		return c.JSON(http.StatusConflict, map[string]string{"error": "Spec limit reached"})
	case errors.Is(err, credits.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Result returns the consumption result stored by Middleware
func Result(c echo.Context) (*credits.Result, bool) {
	res, ok := c.Get(ResultKey).(*credits.Result)
	return res, ok
}

// FromIdentity reads the caller verified by auth.Verifier.Middleware
func FromIdentity() UserIDExtractor {
	return func(c echo.Context) string {
		if id, ok := auth.FromContext(c.Request().Context()); ok {
			return id.UserID
		}
		return ""
	}
}

// FromContext returns an UserIDExtractor that reads an echo context key
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader reads a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam reads a route parameter
func FromParam(paramName string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery reads a query parameter
func FromQuery(queryName string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
