package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/modwatch/watch"
)

// MaintenanceMode provides a middleware that returns 503 Service
// Unavailable while maintenance is active. The flag lives in a SQLite
// table so an operator can flip it on the live database; it is cached in
// memory and refreshed by StartReloader.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS maintenance (
//	    id INTEGER PRIMARY KEY CHECK (id = 1),
//	    active INTEGER NOT NULL DEFAULT 0,
//	    message TEXT NOT NULL DEFAULT 'Service under maintenance, try again shortly.'
//	);
//
// Only one row (id=1) is expected. If the table does not exist or is
// empty, maintenance mode is off.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance (e.g. /health)
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching
// any of excludePrefixes are never blocked (health checks, typically).
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store("Service under maintenance, try again shortly.")
	m.reload()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// StartReloader starts a database watcher that re-reads the maintenance
// flag within a few seconds of a write, so an operator flipping the row
// on the live database does not wait a full refresh cycle. Stops when
// done is closed.
func (m *MaintenanceMode) StartReloader(done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	w := watch.New(m.db, watch.Options{Interval: 5 * time.Second})
	go w.OnChange(ctx, func() error {
		m.reload()
		return nil
	})
	go func() {
		<-done
		cancel()
	}()
}

func (m *MaintenanceMode) reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		// Table missing or empty → maintenance off (normal state).
		if m.active.Load() {
			slog.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	was := m.active.Load()
	m.active.Store(active == 1)
	if message != "" {
		m.message.Store(message)
	}

	if active == 1 && !was {
		slog.Warn("maintenance: mode ENABLED", "message", message)
	} else if active != 1 && was {
		slog.Info("maintenance: mode DISABLED")
	}
}

// Middleware returns an HTTP middleware that blocks requests with a 503
// JSON response while maintenance mode is active. Excluded prefixes pass
// through.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}

		// Let excluded paths through (health checks, typically).
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "maintenance",
			"message": m.Message(),
		})
	})
}
