// Package gin provides Gin middleware that charges one spec credit per request
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/specquota/pkg/auth"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// ResultKey is the gin context key holding the *credits.Result
const ResultKey = "specquota:result"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// SpecIDExtractor extracts the spec ID from a Gin context
type SpecIDExtractor func(c *gongin.Context) string

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
	OnInsufficientCredits func(c *gongin.Context)

	// OnSpecLimitReached is called when the spec cap is hit
	// If nil, returns 409 JSON
	OnSpecLimitReached func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that consumes a credit before the
// next handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("specquota/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("specquota/gin: Config.GetUserID is required")
	}
	if cfg.GetSpecID == nil {
		panic("specquota/gin: Config.GetSpecID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		specID := cfg.GetSpecID(c)
		if specID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": "spec ID is required"})
			return
		}

		res, err := cfg.Ledger.ConsumeCredit(c.Request.Context(), userID, specID)
		if err != nil {
			switch {
			case errors.Is(err, credits.ErrInsufficientCredits):
				if cfg.OnInsufficientCredits != nil {
					cfg.OnInsufficientCredits(c)
				} else {
					c.JSON(http.StatusForbidden, gongin.H{"error": "Insufficient credits"})
				}
			case errors.Is(err, credits.ErrSpecLimitReached):
				if cfg.OnSpecLimitReached != nil {
					cfg.OnSpecLimitReached(c)
				} else {
					c.JSON(http.StatusConflict, gongin.H{"error": "Spec limit reached"})
				}
			case errors.Is(err, credits.ErrInvalidInput):
				c.JSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			default:
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
				}
			}
			c.Abort()
			return
		}

		c.Set(ResultKey, res)
		c.Header("X-Credit-Source", string(res.CreditSource))
		c.Next()
	}
}

// Result returns the consumption result stored by Middleware
func Result(c *gongin.Context) (*credits.Result, bool) {
	val, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	res, ok := val.(*credits.Result)
	return res, ok
}

// FromIdentity reads the caller verified by auth.Verifier.Middleware
func FromIdentity() UserIDExtractor {
	return func(c *gongin.Context) string {
		if id, ok := auth.FromContext(c.Request.Context()); ok {
			return id.UserID
		}
		return ""
	}
}

// FromContext returns an UserIDExtractor that reads a gin context key
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader reads a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam reads a route parameter. Works for user and spec IDs.
func FromParam(paramName string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery reads a query parameter
func FromQuery(queryName string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
