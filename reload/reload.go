// Package reload provides a polling "stat the backing file, evict, reload"
// supervisor for named units loaded into a running process. It owns a time
// watermark and on every tick rescans all loaded units against the half-open
// window [watermark, now): a unit whose backing file was modified inside the
// window is evicted and loaded again, everything else is left alone.
//
// The engine knows nothing about what a unit is. Enumeration, load and evict
// go through the injected Registry; file access goes through an injected stat
// function. Per-unit failures are captured in the scan's outcomes and never
// abort the sweep.
//
// Typical usage:
//
//	sup := reload.New(registry, reload.Options{Interval: time.Second})
//	if err := sup.Start(ctx); err != nil { ... }
//	defer sup.Stop()
package reload

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/modwatch/idgen"
)

// Unit is a loaded code unit and the file that backs it.
type Unit struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Registry is the collaborator the engine drives. Implementations must be
// safe for concurrent use; the engine serializes its own calls but other
// parties may touch the registry at any time.
type Registry interface {
	// Units enumerates the currently loaded units.
	Units(ctx context.Context) ([]Unit, error)
	// Evict removes the loaded version of a unit.
	Evict(ctx context.Context, name string) error
	// Load parses the backing file and registers the unit.
	Load(ctx context.Context, name, path string) error
}

// StatFunc reports the modification time of a backing file.
type StatFunc func(path string) (time.Time, error)

// OSStat is the default StatFunc, backed by os.Stat.
func OSStat(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Options tunes the supervisor behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Stat overrides the default os.Stat-backed stat function.
	Stat StatFunc
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// OnReport receives the report of every sweep. It runs on the loop
	// goroutine: implementations must hand off, not block.
	OnReport func(*Report)
	// NewID generates scan IDs. Default: idgen.Default.
	NewID idgen.Generator
	// Now is the clock used for window boundaries. Default: time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Stat == nil {
		o.Stat = OSStat
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
