package reload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrRunning is returned by Start when the supervisor already runs.
	ErrRunning = errors.New("reload: supervisor already running")
	// ErrNotRunning is returned by Stop and ScanNow when it does not.
	ErrNotRunning = errors.New("reload: supervisor not running")
)

// Supervisor drives the scanner from a single goroutine: one ticker, one
// watermark, every sweep strictly serialized. Start, Stop and the accessors
// are safe for concurrent use.
type Supervisor struct {
	scanner *Scanner
	opts    Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	kicks   chan kickReq

	// watermarkNs is the current watermark as unix nanoseconds. Written by
	// Start and the loop, read anywhere.
	watermarkNs atomic.Int64

	ticks    atomic.Int64
	forced   atomic.Int64
	examined atomic.Int64
	reloads  atomic.Int64
	failures atomic.Int64
	sweepNs  atomic.Int64
}

type kickReq struct {
	// reply is nil for fire-and-forget kicks.
	reply chan *Report
}

// Stats are point-in-time counters.
type Stats struct {
	Ticks         int64         `json:"ticks"`
	ForcedScans   int64         `json:"forced_scans"`
	UnitsExamined int64         `json:"units_examined"`
	Reloads       int64         `json:"reloads"`
	Failures      int64         `json:"failures"`
	LastSweep     time.Duration `json:"last_sweep"`
}

// New creates a Supervisor in the stopped state.
func New(reg Registry, opts Options) *Supervisor {
	opts.defaults()
	return &Supervisor{
		scanner: NewScanner(reg, opts),
		opts:    opts,
	}
}

// Start moves the supervisor to running: the watermark is reset to now and
// the poll goroutine begins ticking. Returns ErrRunning when already running.
// Cancelling ctx stops the loop as if Stop had been called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.kicks = make(chan kickReq, 1)
	s.watermarkNs.Store(s.opts.Now().UnixNano())
	s.running = true
	go s.loop(ctx, s.kicks, s.done)
	s.opts.Logger.Info("reload: supervisor started", "interval", s.opts.Interval)
	return nil
}

// Stop moves the supervisor to stopped, waiting for any in-flight sweep to
// finish. A nil return is the acknowledgement that the timer was cancelled;
// stopping a supervisor that is not running returns ErrNotRunning.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// ScanNow requests an immediate sweep and waits for its report. The sweep
// runs on the loop goroutine with regular window semantics: whatever it
// scans, its `to` becomes the new watermark. Returns ErrNotRunning when the
// supervisor is stopped; ctx only bounds the wait, never the sweep itself.
func (s *Supervisor) ScanNow(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	kicks, done := s.kicks, s.done
	s.mu.Unlock()

	req := kickReq{reply: make(chan *Report, 1)}
	select {
	case kicks <- req:
	case <-done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kick requests an early sweep without waiting for it. Best effort: when a
// kick is already pending the two coalesce, when the supervisor is stopped
// nothing happens.
func (s *Supervisor) Kick() {
	s.mu.Lock()
	kicks, running := s.kicks, s.running
	s.mu.Unlock()
	if !running {
		return
	}
	select {
	case kicks <- kickReq{}:
	default:
	}
}

// Watermark returns the current watermark.
func (s *Supervisor) Watermark() time.Time {
	return time.Unix(0, s.watermarkNs.Load())
}

// Running reports whether the supervisor is in the running state.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns the current counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Ticks:         s.ticks.Load(),
		ForcedScans:   s.forced.Load(),
		UnitsExamined: s.examined.Load(),
		Reloads:       s.reloads.Load(),
		Failures:      s.failures.Load(),
		LastSweep:     time.Duration(s.sweepNs.Load()),
	}
}

func (s *Supervisor) loop(ctx context.Context, kicks chan kickReq, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Info("reload: supervisor stopped")
			return
		case <-ticker.C:
			s.ticks.Add(1)
			s.sweep(ctx, false)
		case req := <-kicks:
			s.forced.Add(1)
			rep := s.sweep(ctx, true)
			if req.reply != nil {
				req.reply <- rep
			}
		}
	}
}

// sweep runs one scan over [watermark, now). The watermark advances to this
// sweep's `to` no matter what the outcomes were: a broken registry or a
// failing unit must not freeze the window.
func (s *Supervisor) sweep(ctx context.Context, forced bool) *Report {
	from := time.Unix(0, s.watermarkNs.Load())
	to := s.opts.Now()
	start := time.Now()

	outcomes, err := s.scanner.Scan(ctx, from, to)
	elapsed := time.Since(start)

	s.watermarkNs.Store(to.UnixNano())
	s.sweepNs.Store(int64(elapsed))
	s.examined.Add(int64(len(outcomes)))

	rep := &Report{
		ID:       s.opts.NewID(),
		Started:  to,
		From:     from,
		To:       to,
		Duration: elapsed,
		Forced:   forced,
		Outcomes: outcomes,
	}
	rep.count()
	s.reloads.Add(int64(rep.Reloaded))
	s.failures.Add(int64(rep.Failed))

	if err != nil {
		rep.EnumerateError = err.Error()
		s.failures.Add(1)
		s.opts.Logger.Error("reload: sweep could not enumerate units", "error", err)
	} else if rep.Reloaded > 0 || rep.Failed > 0 || rep.Missing > 0 {
		s.opts.Logger.Info("reload: sweep complete",
			"scan", rep.ID, "units", len(outcomes), "reloaded", rep.Reloaded,
			"missing", rep.Missing, "failed", rep.Failed, "duration", elapsed)
	} else {
		s.opts.Logger.Debug("reload: sweep complete",
			"scan", rep.ID, "units", len(outcomes), "duration", elapsed)
	}

	if s.opts.OnReport != nil {
		s.opts.OnReport(rep)
	}
	return rep
}
