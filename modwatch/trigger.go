package modwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/modwatch/modreg"
	"github.com/hazyhaar/modwatch/reload"
)

const triggerDebounce = 200 * time.Millisecond

// trigger watches the units directory and accelerates the poll loop: a
// burst of fs events on a unit file collapses into one action after the
// debounce window. Everything it does, polling would eventually do too;
// the daemon stays correct with the trigger disabled or broken.
type trigger struct {
	watcher  *fsnotify.Watcher
	reg      *modreg.Registry
	sup      *reload.Supervisor
	onLoad   func()
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool

	done chan struct{}
}

type pendingEvent struct {
	timer *time.Timer
	ops   fsnotify.Op
}

func newTrigger(dir string, reg *modreg.Registry, sup *reload.Supervisor, onLoad func(), logger *slog.Logger) (*trigger, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	t := &trigger{
		watcher:  w,
		reg:      reg,
		sup:      sup,
		onLoad:   onLoad,
		logger:   logger,
		debounce: triggerDebounce,
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
	}
	go t.run()
	logger.Info("trigger: watching units dir", "dir", dir)
	return t, nil
}

func (t *trigger) run() {
	defer close(t.done)
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.observe(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("trigger: watch error", "error", err)
		}
	}
}

// observe accumulates the event's ops under a per-path debounce timer.
func (t *trigger) observe(ev fsnotify.Event) {
	if !modreg.IsUnitFile(filepath.Base(ev.Name)) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	p, ok := t.pending[ev.Name]
	if !ok {
		p = &pendingEvent{}
		path := ev.Name
		p.timer = time.AfterFunc(t.debounce, func() { t.fire(path) })
		t.pending[ev.Name] = p
	} else {
		p.timer.Reset(t.debounce)
	}
	p.ops |= ev.Op
}

// fire acts on the settled burst for one path. A brand-new file is loaded
// straight into the registry; edits just kick the supervisor so the next
// sweep decides, keeping window semantics intact; removals are logged and
// left to the sweeps, which will report the unit missing.
func (t *trigger) fire(path string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	p, ok := t.pending[path]
	delete(t.pending, path)
	t.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case p.ops.Has(fsnotify.Create):
		t.load(path)
	case p.ops.Has(fsnotify.Write), p.ops.Has(fsnotify.Chmod):
		if _, known := t.reg.ByPath(path); known {
			t.sup.Kick()
		} else {
			// Not backing any loaded unit: brand new, or its unit was
			// dropped by a failed reload. Sweeps no longer see the file,
			// so load it here.
			t.load(path)
		}
	case p.ops.Has(fsnotify.Remove), p.ops.Has(fsnotify.Rename):
		t.logger.Info("trigger: unit file removed", "path", path)
	}
}

func (t *trigger) load(path string) {
	if err := t.reg.LoadFile(context.Background(), path); err != nil {
		t.logger.Warn("trigger: load unit file", "path", path, "error", err)
		return
	}
	if t.onLoad != nil {
		t.onLoad()
	}
}

func (t *trigger) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, p := range t.pending {
		p.timer.Stop()
	}
	t.pending = nil
	t.mu.Unlock()

	err := t.watcher.Close()
	<-t.done
	return err
}
