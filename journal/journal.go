// Package journal persists reload scan reports to SQLite asynchronously.
//
// Reports are queued on a buffered channel and flushed in batches by a
// background goroutine, so recording never blocks the reload loop:
//
//	db, _ := dbopen.Open("journal.db", dbopen.WithSchema(journal.Schema))
//	store := journal.NewStore(db)
//	defer store.Close()
//
//	sup := reload.New(reg, reload.Options{OnReport: store.Record})
//
// Unchanged outcomes are not persisted per unit, only the aggregate counts
// on the scan row.
package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/modwatch/dbopen"
	"github.com/hazyhaar/modwatch/reload"
)

// Schema for the scan journal. Apply via dbopen.WithSchema or Store.Init.
const Schema = `
CREATE TABLE IF NOT EXISTS scans (
	scan_id TEXT PRIMARY KEY,
	started INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	forced INTEGER NOT NULL DEFAULT 0,
	win_from INTEGER NOT NULL,
	win_to INTEGER NOT NULL,
	units INTEGER NOT NULL,
	reloaded INTEGER NOT NULL,
	unchanged INTEGER NOT NULL,
	missing INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	enumerate_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_scans_started ON scans(started);

CREATE TABLE IF NOT EXISTS scan_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id TEXT NOT NULL REFERENCES scans(scan_id) ON DELETE CASCADE,
	unit TEXT NOT NULL,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	error TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_outcomes_unit ON scan_outcomes(unit);
CREATE INDEX IF NOT EXISTS idx_scan_outcomes_ts ON scan_outcomes(timestamp);
`

// Store persists scan reports to SQLite asynchronously.
type Store struct {
	db      *sql.DB
	ch      chan *reload.Report
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewStore creates a journal store backed by the given database connection
// and starts its flush goroutine.
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		ch:   make(chan *reload.Report, 256),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Init creates the journal tables if they don't exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// Record queues a report for async persistence. Non-blocking; drops if the
// buffer is full.
func (s *Store) Record(r *reload.Report) {
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of reports dropped because the buffer was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Close drains the buffer and stops the flush goroutine.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]*reload.Report, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []*reload.Report) {
	if len(batch) == 0 {
		return
	}

	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		scanStmt, err := tx.Prepare(`INSERT INTO scans
			(scan_id, started, duration_us, forced, win_from, win_to,
			 units, reloaded, unchanged, missing, failed, enumerate_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer scanStmt.Close()

		outStmt, err := tx.Prepare(`INSERT INTO scan_outcomes
			(scan_id, unit, path, kind, error, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer outStmt.Close()

		for _, r := range batch {
			forced := 0
			if r.Forced {
				forced = 1
			}
			if _, err := scanStmt.Exec(
				r.ID, r.Started.UnixMicro(), r.Duration.Microseconds(), forced,
				r.From.UnixNano(), r.To.UnixNano(),
				len(r.Outcomes), r.Reloaded, r.Unchanged, r.Missing, r.Failed,
				r.EnumerateError,
			); err != nil {
				return err
			}
			for _, o := range r.Outcomes {
				if o.Kind == reload.KindUnchanged {
					continue
				}
				if _, err := outStmt.Exec(
					r.ID, o.Unit.Name, o.Unit.Path, string(o.Kind), o.Error,
					r.Started.UnixMicro(),
				); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("journal: flush batch", "reports", len(batch), "error", err)
	}
}

// ---------- queries ----------

// ScanRecord is one row of the scans table.
type ScanRecord struct {
	ScanID         string    `json:"scan_id"`
	Started        time.Time `json:"started"`
	DurationUs     int64     `json:"duration_us"`
	Forced         bool      `json:"forced"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Units          int       `json:"units"`
	Reloaded       int       `json:"reloaded"`
	Unchanged      int       `json:"unchanged"`
	Missing        int       `json:"missing"`
	Failed         int       `json:"failed"`
	EnumerateError string    `json:"enumerate_error,omitempty"`
}

// OutcomeRecord is one row of the scan_outcomes table.
type OutcomeRecord struct {
	ScanID    string    `json:"scan_id"`
	Unit      string    `json:"unit"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recent returns the most recent scans, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		scan_id, started, duration_us, forced, win_from, win_to,
		units, reloaded, unchanged, missing, failed, enumerate_error
		FROM scans ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		var started, from, to int64
		var forced int
		var enumErr sql.NullString
		if err := rows.Scan(&rec.ScanID, &started, &rec.DurationUs, &forced,
			&from, &to, &rec.Units, &rec.Reloaded, &rec.Unchanged,
			&rec.Missing, &rec.Failed, &enumErr); err != nil {
			return nil, err
		}
		rec.Started = time.UnixMicro(started)
		rec.From = time.Unix(0, from)
		rec.To = time.Unix(0, to)
		rec.Forced = forced != 0
		rec.EnumerateError = enumErr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UnitHistory returns the recorded outcomes for one unit, newest first.
func (s *Store) UnitHistory(ctx context.Context, unit string, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		scan_id, unit, path, kind, error, timestamp
		FROM scan_outcomes WHERE unit = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		unit, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var ts int64
		var errStr sql.NullString
		if err := rows.Scan(&rec.ScanID, &rec.Unit, &rec.Path, &rec.Kind,
			&errStr, &ts); err != nil {
			return nil, err
		}
		rec.Error = errStr.String
		rec.Timestamp = time.UnixMicro(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes scans started before the cutoff. Outcome rows follow via
// the cascade.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM scans WHERE started < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
