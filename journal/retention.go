package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention deletes journal rows older than the keep window, on a cron
// schedule ("0 3 * * *" runs at 03:00 every day).
type Retention struct {
	store *Store
	keep  time.Duration
	sched cron.Schedule
	log   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetention creates a retention job. spec is a standard 5-field cron
// expression; keepDays is how far back scans are kept.
func NewRetention(store *Store, spec string, keepDays int, logger *slog.Logger) (*Retention, error) {
	if keepDays <= 0 {
		return nil, fmt.Errorf("journal: retention days must be positive, got %d", keepDays)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("journal: parse retention schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store: store,
		keep:  time.Duration(keepDays) * 24 * time.Hour,
		sched: sched,
		log:   logger,
	}, nil
}

// Start launches the retention loop. Starting a running job is a no-op.
func (r *Retention) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop halts the retention loop and waits for it to exit.
func (r *Retention) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Retention) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next := r.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.keep)
	n, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		r.log.Error("journal: retention sweep", "error", err)
		return
	}
	r.log.Info("journal: retention sweep", "deleted", n, "cutoff", cutoff)
}
