package tabs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/candorlabs/candor/internal/fileutil"
	"github.com/candorlabs/candor/internal/logging"
)

const (
	// DefaultHeartbeatInterval is how often a tab refreshes its record.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultStaleTimeout is how long a record may go without a heartbeat
	// before it is excluded from elections and pruned. Must be larger
	// than the heartbeat interval.
	DefaultStaleTimeout = 15 * time.Second
)

// Registry is the shared file-backed tab registry: one JSON file per tab
// under a common directory. A tab writes only its own file, atomically;
// all other records are read-only. Changes are observed with a filesystem
// watch plus a periodic fallback poll.
type Registry struct {
	dir          string
	heartbeat    time.Duration
	staleTimeout time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	self       TabIdentity
	registered bool
	onChange   []func()
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHeartbeatInterval sets how often the tab's own record is refreshed.
func WithHeartbeatInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.heartbeat = d }
}

// WithStaleTimeout sets the no-heartbeat window after which a record is
// considered dead.
func WithStaleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.staleTimeout = d }
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry rooted at dir. The directory is created
// if missing.
func NewRegistry(dir string, opts ...RegistryOption) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tab registry dir: %w", err)
	}
	r := &Registry{
		dir:          dir,
		heartbeat:    DefaultHeartbeatInterval,
		staleTimeout: DefaultStaleTimeout,
		logger:       logging.Tabs(),
		self:         NewIdentity(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Self returns this tab's identity.
func (r *Registry) Self() TabIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// OnChange registers a callback invoked whenever the registry may have
// changed. Callbacks run on the registry's watch goroutine and must not
// block.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Register writes this tab's record and starts the heartbeat and watch
// loops. Calling Register twice is an error.
func (r *Registry) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return fmt.Errorf("tab %s already registered", r.self.TabID)
	}

	r.self.RegisteredAt = time.Now().UTC()
	r.self.Heartbeat = r.self.RegisteredAt
	if err := fileutil.WriteJSONAtomic(r.recordPath(r.self.TabID), r.self, 0o644); err != nil {
		return fmt.Errorf("failed to write tab record: %w", err)
	}

	r.registered = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop()

	r.logger.Info("tab registered",
		"tab_id", r.self.TabID,
		"pid", r.self.PID,
		"dir", r.dir)
	return nil
}

// Deregister removes this tab's record and stops the background loops.
// Idempotent.
func (r *Registry) Deregister() {
	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return
	}
	r.registered = false
	close(r.stopCh)
	done := r.doneCh
	path := r.recordPath(r.self.TabID)
	r.mu.Unlock()

	<-done
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove tab record", "error", err)
	}
	r.logger.Info("tab deregistered", "tab_id", r.self.TabID)
}

// Live returns every registered tab with a fresh heartbeat, including this
// one. Stale records and records from dead local processes are skipped and
// opportunistically pruned; pruning a record that is stale by definition
// cannot race with a live writer.
func (r *Registry) Live() ([]TabIdentity, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tab registry: %w", err)
	}

	now := time.Now().UTC()
	host := hostname()
	var live []TabIdentity
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		var id TabIdentity
		if err := fileutil.ReadJSON(path, &id); err != nil {
			// Torn read during another tab's atomic replace, or junk.
			// The next change notification retries.
			r.logger.Debug("skipping unreadable tab record", "file", entry.Name(), "error", err)
			continue
		}
		if id.IsStale(r.staleTimeout, now) || id.IsProcessDead(host) {
			r.prune(path, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

func (r *Registry) prune(path string, id TabIdentity) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to prune stale tab record", "tab_id", id.TabID, "error", err)
		return
	}
	r.logger.Debug("pruned stale tab record", "tab_id", id.TabID, "last_heartbeat", id.Heartbeat)
}

func (r *Registry) recordPath(tabID string) string {
	return filepath.Join(r.dir, tabID+".json")
}

// loop refreshes this tab's heartbeat and watches the registry directory.
// A periodic poll backs up the filesystem watch so a missed event can only
// delay convergence, never prevent it.
func (r *Registry) loop() {
	defer close(r.doneCh)

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(r.dir); err == nil {
			watchEvents = make(chan fsnotify.Event, 16)
			watchErrors = make(chan error, 1)
			go forwardWatch(watcher, watchEvents, watchErrors)
		} else {
			r.logger.Warn("tab registry watch unavailable, relying on polling", "error", err)
			watcher.Close()
			watcher = nil
		}
	} else {
		r.logger.Warn("tab registry watch unavailable, relying on polling", "error", err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
	}

	heartbeatTicker := time.NewTicker(r.heartbeat)
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(r.heartbeat * 2)
	defer pollTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-heartbeatTicker.C:
			r.refreshHeartbeat()
		case ev := <-watchEvents:
			if ev.Name == r.recordPath(r.selfID()) {
				continue
			}
			r.notify()
		case err := <-watchErrors:
			r.logger.Warn("tab registry watch error", "error", err)
		case <-pollTicker.C:
			r.notify()
		}
	}
}

func forwardWatch(w *fsnotify.Watcher, events chan<- fsnotify.Event, errors chan<- error) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			select {
			case events <- ev:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			select {
			case errors <- err:
			default:
			}
		}
	}
}

func (r *Registry) selfID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self.TabID
}

func (r *Registry) refreshHeartbeat() {
	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return
	}
	r.self.Heartbeat = time.Now().UTC()
	self := r.self
	r.mu.Unlock()

	if err := fileutil.WriteJSONAtomic(r.recordPath(self.TabID), self, 0o644); err != nil {
		r.logger.Warn("failed to refresh tab heartbeat", "error", err)
	}
}

func (r *Registry) notify() {
	r.mu.Lock()
	callbacks := make([]func(), len(r.onChange))
	copy(callbacks, r.onChange)
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
