// Package modwatch assembles the daemon: the unit registry, the reload
// supervisor, the scan journal, report fan-out, the fs trigger and the
// admin surfaces (HTTP API, MCP tools, WebSocket stream) behind one
// Service with a Start/Close lifecycle.
//
// Typical usage:
//
//	svc, err := modwatch.New(cfg, modwatch.WithLogger(logger))
//	if err != nil { ... }
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Close()
//	http.ListenAndServe(cfg.ListenAddr, svc.Handler())
package modwatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/modwatch/dbopen"
	"github.com/hazyhaar/modwatch/idgen"
	"github.com/hazyhaar/modwatch/journal"
	"github.com/hazyhaar/modwatch/modreg"
	"github.com/hazyhaar/modwatch/reload"
	"github.com/hazyhaar/modwatch/report"
	"github.com/hazyhaar/modwatch/shield"
)

// Service is the assembled modwatch daemon.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	newID  idgen.Generator

	db     *sql.DB
	ownsDB bool

	reg       *modreg.Registry
	sup       *reload.Supervisor
	journal   *journal.Store
	retention *journal.Retention
	router    *report.Router
	hub       *Hub
	trigger   *trigger

	goFuncs    map[string]modreg.GoFunc
	extraSinks []report.Sink
	noTrigger  bool

	// reports decouples the supervisor loop from sink delivery.
	reports      chan *reload.Report
	dispatchDone chan struct{}

	mws           []func(http.Handler) http.Handler
	rl            *shield.RateLimiter
	mm            *shield.MaintenanceMode
	stopReloaders chan struct{}

	bridgeMu sync.Mutex
	bridge   *modreg.Bridge

	mu      sync.Mutex
	started bool
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithDB injects an already-open database instead of opening cfg.DBPath.
// The caller keeps ownership; Close will not close it.
func WithDB(db *sql.DB) ServiceOption {
	return func(s *Service) { s.db = db }
}

// WithIDGenerator overrides the scan ID generator.
func WithIDGenerator(g idgen.Generator) ServiceOption {
	return func(s *Service) { s.newID = g }
}

// WithGoFunc registers a host Go function callable from go_function units.
func WithGoFunc(name string, fn modreg.GoFunc) ServiceOption {
	return func(s *Service) { s.goFuncs[name] = fn }
}

// WithSink adds a report sink (webhook, stdout, ...) to the fan-out.
func WithSink(sink report.Sink) ServiceOption {
	return func(s *Service) { s.extraSinks = append(s.extraSinks, sink) }
}

// WithoutTrigger disables the fs trigger; sweeps come from polling alone.
func WithoutTrigger() ServiceOption {
	return func(s *Service) { s.noTrigger = true }
}

// New creates a Service. Nothing runs until Start.
func New(cfg *Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		logger:  slog.Default(),
		newID:   idgen.Default,
		goFuncs: make(map[string]modreg.GoFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.db == nil {
		db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
		}
		s.db = db
		s.ownsDB = true
	}

	ok := false
	defer func() {
		if ok {
			return
		}
		if s.journal != nil {
			s.journal.Close()
		}
		if s.ownsDB {
			s.db.Close()
		}
	}()

	s.journal = journal.NewStore(s.db)
	if err := s.journal.Init(); err != nil {
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	if err := shield.Init(s.db); err != nil {
		return nil, fmt.Errorf("shield schema: %w", err)
	}

	s.reg = modreg.New(cfg.UnitsDir, modreg.WithDB(s.db), modreg.WithLogger(s.logger))
	for name, fn := range s.goFuncs {
		s.reg.RegisterGoFunc(name, fn)
	}

	ret, err := journal.NewRetention(s.journal, cfg.Journal.CleanupSchedule, cfg.Journal.RetentionDays, s.logger)
	if err != nil {
		return nil, err
	}
	s.retention = ret

	sinks := []report.Sink{
		report.NewCallback(func(_ context.Context, r *reload.Report) error {
			s.journal.Record(r)
			return nil
		}),
	}
	if cfg.Stream.Enabled {
		s.hub = NewHub(s.logger)
		sinks = append(sinks, s.hub)
	}
	sinks = append(sinks, s.extraSinks...)
	s.router = report.NewRouter(s.logger, sinks...)

	s.reports = make(chan *reload.Report, 64)
	s.sup = reload.New(s.reg, reload.Options{
		Interval: cfg.PollInterval,
		Logger:   s.logger,
		NewID:    s.newID,
		OnReport: s.enqueueReport,
	})

	s.mws, s.rl, s.mm = shield.DefaultAPIStack(s.db)
	ok = true
	return s, nil
}

// Registry exposes the unit registry, mainly for embedders that register
// Go functions after construction.
func (s *Service) Registry() *modreg.Registry { return s.reg }

// Start discovers units, then brings up the supervisor, the report
// dispatcher, journal retention, the shield reloaders and the fs trigger.
// Cancelling ctx stops the supervisor as if the API had asked it to.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("modwatch: service is closed")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("modwatch: service already started")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.UnitsDir, 0o755); err != nil {
		return fmt.Errorf("units dir: %w", err)
	}
	results, err := s.reg.LoadDir(s.baseCtx)
	if err != nil {
		return fmt.Errorf("load units dir: %w", err)
	}
	for _, res := range results {
		if res.Err != nil {
			s.logger.Warn("modwatch: unit skipped", "path", res.Path, "error", res.Err)
		}
	}
	// A bridge registered before Start synced against an empty registry.
	s.syncBridge()

	s.dispatchDone = make(chan struct{})
	go s.dispatchLoop()

	if err := s.sup.Start(s.baseCtx); err != nil {
		return err
	}
	s.retention.Start()

	s.stopReloaders = make(chan struct{})
	s.rl.StartReloader(s.stopReloaders)
	s.mm.StartReloader(s.stopReloaders)

	if !s.noTrigger {
		trg, err := newTrigger(s.cfg.UnitsDir, s.reg, s.sup, s.onUnitCreated, s.logger)
		if err != nil {
			// The trigger only accelerates what polling already covers.
			s.logger.Warn("modwatch: fs trigger unavailable, polling only", "error", err)
		} else {
			s.trigger = trg
		}
	}

	s.logger.Info("modwatch: started",
		"units", s.reg.Len(), "interval", s.cfg.PollInterval, "units_dir", s.cfg.UnitsDir)
	return nil
}

// Close stops everything Start brought up, in reverse order, and flushes
// the journal. Safe to call once; the service cannot be restarted.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if s.trigger != nil {
		s.trigger.Close()
	}
	if started {
		if err := s.sup.Stop(); err != nil && !errors.Is(err, reload.ErrNotRunning) {
			s.logger.Error("modwatch: supervisor stop", "error", err)
		}
		s.cancel()
	}
	s.retention.Stop()
	if s.stopReloaders != nil {
		close(s.stopReloaders)
	}

	close(s.reports)
	if s.dispatchDone != nil {
		<-s.dispatchDone
	}

	err := s.router.Close()
	if jerr := s.journal.Close(); jerr != nil && err == nil {
		err = jerr
	}
	if s.ownsDB {
		if derr := s.db.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	s.logger.Info("modwatch: closed")
	return err
}

// enqueueReport runs on the supervisor loop goroutine: hand off, never block.
func (s *Service) enqueueReport(rep *reload.Report) {
	select {
	case s.reports <- rep:
	default:
		s.logger.Warn("modwatch: report dropped, dispatch backlog full", "scan", rep.ID)
	}
}

func (s *Service) dispatchLoop() {
	defer close(s.dispatchDone)
	for rep := range s.reports {
		_ = s.router.Send(context.Background(), rep)
		// Reloads change what the registry serves; failed reloads evict.
		// Either way the MCP tool set must follow.
		if rep.Reloaded > 0 || rep.Failed > 0 {
			s.syncBridge()
		}
	}
}

func (s *Service) syncBridge() {
	s.bridgeMu.Lock()
	b := s.bridge
	s.bridgeMu.Unlock()
	if b != nil {
		b.Sync()
	}
}

// onUnitCreated runs after the trigger loads a brand-new unit file.
func (s *Service) onUnitCreated() {
	s.syncBridge()
}

// Status is a point-in-time view of the daemon for the API and MCP tools.
type Status struct {
	Running           bool         `json:"running"`
	Watermark         time.Time    `json:"watermark"`
	Units             int          `json:"units"`
	Stats             reload.Stats `json:"stats"`
	JournalDropped    int64        `json:"journal_dropped"`
	StreamSubscribers int          `json:"stream_subscribers"`
}

// Status reports the current state of the supervisor and registry.
func (s *Service) Status() Status {
	st := Status{
		Running:        s.sup.Running(),
		Watermark:      s.sup.Watermark(),
		Units:          s.reg.Len(),
		Stats:          s.sup.Stats(),
		JournalDropped: s.journal.Dropped(),
	}
	if s.hub != nil {
		st.StreamSubscribers = s.hub.Count()
	}
	return st
}
