package reload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"
)

// Scanner applies the reload policy to every loaded unit. It holds no state
// between scans; the window is the caller's business.
type Scanner struct {
	reg  Registry
	stat StatFunc
	log  *slog.Logger
}

// NewScanner creates a Scanner. Options other than Stat and Logger are ignored.
func NewScanner(reg Registry, opts Options) *Scanner {
	opts.defaults()
	return &Scanner{reg: reg, stat: opts.Stat, log: opts.Logger}
}

// Scan examines every loaded unit against the half-open window [from, to)
// and returns one outcome per unit, in enumeration order. A unit whose
// backing file was modified inside the window is evicted and loaded again.
// Units without a backing path cannot have changed on disk; they are
// skipped without an outcome.
//
// Per-unit failures are captured in the outcomes; the returned error is
// non-nil only when enumeration itself failed, in which case no unit was
// examined.
func (s *Scanner) Scan(ctx context.Context, from, to time.Time) ([]Outcome, error) {
	units, err := s.reg.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload: enumerate units: %w", err)
	}
	out := make([]Outcome, 0, len(units))
	for _, u := range units {
		if u.Path == "" {
			continue
		}
		out = append(out, s.examine(ctx, u, from, to))
	}
	return out, nil
}

// examine decides and applies the fate of one unit. mtime == from is inside
// the window, mtime == to is outside: consecutive windows share a boundary,
// so a file touched exactly at `to` is picked up by the next sweep.
func (s *Scanner) examine(ctx context.Context, u Unit, from, to time.Time) Outcome {
	mtime, err := s.stat(u.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("reload: backing file missing", "unit", u.Name, "path", u.Path)
		return failure(u, KindMissing, err)
	}
	if err != nil {
		s.log.Warn("reload: stat failed", "unit", u.Name, "path", u.Path, "error", err)
		return failure(u, KindStatError, err)
	}

	if mtime.Before(from) || !mtime.Before(to) {
		return Outcome{Unit: u, Kind: KindUnchanged}
	}

	// Modified inside the window: evict, then load. If the load fails the
	// unit stays unloaded until a later sweep sees a newer mtime — the file
	// on disk is the source of truth, there is no rollback.
	if err := s.reg.Evict(ctx, u.Name); err != nil {
		s.log.Error("reload: evict failed", "unit", u.Name, "error", err)
		return failure(u, KindReloadError, fmt.Errorf("evict: %w", err))
	}
	if err := s.reg.Load(ctx, u.Name, u.Path); err != nil {
		s.log.Error("reload: load failed, unit left unloaded", "unit", u.Name, "path", u.Path, "error", err)
		return failure(u, KindReloadError, fmt.Errorf("load: %w", err))
	}
	s.log.Info("reload: unit reloaded", "unit", u.Name, "mtime", mtime)
	return Outcome{Unit: u, Kind: KindReloaded}
}
