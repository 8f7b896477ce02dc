package reload

import "time"

// OutcomeKind classifies what a sweep did with one unit.
type OutcomeKind string

const (
	// KindReloaded: mtime inside the window, evict and load both succeeded.
	KindReloaded OutcomeKind = "reloaded"
	// KindUnchanged: mtime outside the window.
	KindUnchanged OutcomeKind = "unchanged"
	// KindMissing: the backing file does not exist. The unit stays loaded.
	KindMissing OutcomeKind = "missing"
	// KindStatError: stat failed for a reason other than absence.
	KindStatError OutcomeKind = "stat_error"
	// KindReloadError: mtime inside the window but evict or load failed.
	KindReloadError OutcomeKind = "reload_error"
)

// Outcome is the result of examining one unit in one sweep.
type Outcome struct {
	Unit Unit        `json:"unit"`
	Kind OutcomeKind `json:"kind"`
	// Err is the underlying error for missing, stat_error and reload_error.
	Err error `json:"-"`
	// Error is Err's message, carried on the wire.
	Error string `json:"error,omitempty"`
}

func failure(u Unit, kind OutcomeKind, err error) Outcome {
	return Outcome{Unit: u, Kind: kind, Err: err, Error: err.Error()}
}

// Report summarises one sweep.
type Report struct {
	ID       string        `json:"scan_id"`
	Started  time.Time     `json:"started_at"`
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
	Duration time.Duration `json:"duration"`
	// Forced is true for sweeps requested via ScanNow or Kick.
	Forced   bool      `json:"forced,omitempty"`
	Outcomes []Outcome `json:"outcomes"`

	Reloaded  int `json:"reloaded"`
	Unchanged int `json:"unchanged"`
	Missing   int `json:"missing"`
	Failed    int `json:"failed"`

	// EnumerateError is set when unit enumeration itself failed; the
	// outcome list is empty in that case.
	EnumerateError string `json:"enumerate_error,omitempty"`
}

func (r *Report) count() {
	for _, o := range r.Outcomes {
		switch o.Kind {
		case KindReloaded:
			r.Reloaded++
		case KindUnchanged:
			r.Unchanged++
		case KindMissing:
			r.Missing++
		case KindStatError, KindReloadError:
			r.Failed++
		}
	}
}
