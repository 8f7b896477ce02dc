// Package shield provides reusable HTTP middleware for JSON APIs. It
// consolidates security headers, rate limiting, body limits, request IDs,
// maintenance mode and HEAD method handling into a single importable
// package.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(1 << 20))
//	r.Use(shield.RequestID)
//	r.Use(shield.NewRateLimiter(db).Middleware)
//
// Or apply the default stack in one call:
//
//	stack, rl, mm := shield.DefaultAPIStack(db)
//	rl.StartReloader(done)
//	mm.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for an admin API.
// Middleware is ordered: Maintenance → HeadToGet → SecurityHeaders →
// MaxBody → RequestID → RateLimiter. Health checks (/health) bypass
// maintenance. The returned limiter and maintenance handles let callers
// start the background reloaders.
func DefaultAPIStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter, *MaintenanceMode) {
	rl := NewRateLimiter(db)
	mm := NewMaintenanceMode(db, "/health")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		RequestID,
		rl.Middleware,
	}, rl, mm
}
