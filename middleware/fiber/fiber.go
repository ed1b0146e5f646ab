// Package fiber provides Fiber middleware that charges one spec credit per request
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/specquota/pkg/credits"
)

// ResultKey is the fiber locals key holding the *credits.Result
const ResultKey = "specquota:result"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// SpecIDExtractor extracts the spec ID from a Fiber context
type SpecIDExtractor func(c *fiber.Ctx) string

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
	OnInsufficientCredits func(c *fiber.Ctx) error

	// OnSpecLimitReached is called when the spec cap is hit
	// If nil, returns 409 JSON
	OnSpecLimitReached func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that consumes a credit before the
// next handler runs
func Middleware(cfg Config) fiber.Handler {
	if cfg.Ledger == nil {
		panic("specquota/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("specquota/fiber: Config.GetUserID is required")
	}
	if cfg.GetSpecID == nil {
		panic("specquota/fiber: Config.GetSpecID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		specID := cfg.GetSpecID(c)
		if specID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "spec ID is required"})
		}

		res, err := cfg.Ledger.ConsumeCredit(c.UserContext(), userID, specID)
		if err != nil {
			switch {
			case errors.Is(err, credits.ErrInsufficientCredits):
				if cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c)
				}
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Insufficient credits"})
			case errors.Is(err, credits.ErrSpecLimitReached):
				if cfg.OnSpecLimitReached != nil {
					return cfg.OnSpecLimitReached(c)
				}
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Spec limit reached"})
			case errors.Is(err, credits.ErrInvalidInput):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Locals(ResultKey, res)
		c.Set("X-Credit-Source", string(res.CreditSource))
		return c.Next()
	}
}

// Result returns the consumption result stored by Middleware
func Result(c *fiber.Ctx) (*credits.Result, bool) {
	res, ok := c.Locals(ResultKey).(*credits.Result)
	return res, ok
}

// FromLocals returns an UserIDExtractor reading a string from c.Locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader reads a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam reads a route parameter
func FromParam(paramName string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery reads a query parameter
func FromQuery(queryName string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
