package report

import (
	"context"

	"github.com/hazyhaar/modwatch/reload"
)

// ReportFunc is called for each report (in-process, zero serialisation).
type ReportFunc func(ctx context.Context, r *reload.Report) error

// Callback delivers reports via a Go function call. This is how
// in-process consumers (the journal store, for one) hang off the router
// without implementing the full Sink surface.
type Callback struct {
	fn ReportFunc
}

// NewCallback creates a Callback sink. A nil fn makes it a no-op.
func NewCallback(fn ReportFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, r *reload.Report) error {
	if c.fn != nil {
		return c.fn(ctx, r)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
