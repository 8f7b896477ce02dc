// Package kit provides the endpoint plumbing shared by the HTTP and MCP
// transports: a transport-agnostic Endpoint type, middleware chaining, MCP
// tool registration, and typed context identity for policy and audit hooks.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. Transports decode their
// wire format into req and encode resp back; the endpoint itself only sees
// typed values.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one passed is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
