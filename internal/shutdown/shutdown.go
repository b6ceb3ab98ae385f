// Package shutdown coordinates graceful teardown for the CLI commands.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/candorlabs/candor/internal/logging"
)

// CleanupFunc performs one piece of cleanup during shutdown. It receives a
// reason string describing why shutdown was triggered.
type CleanupFunc func(reason string)

// Manager runs registered cleanup functions exactly once, on signal or on
// an explicit Shutdown call. Tabs deregister through it so a Ctrl+C still
// removes the registry record and lets the remaining tabs re-elect.
//
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []CleanupFunc
}

// NewManager creates a new shutdown manager. It does not start signal
// handling until Start is called.
func NewManager() *Manager {
	return &Manager{
		done: make(chan struct{}),
	}
}

// AddCleanup adds a cleanup function. Cleanup functions run in the order
// they were added.
func (m *Manager) AddCleanup(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Start begins listening for SIGINT and SIGTERM. When a signal arrives,
// Shutdown runs automatically. Call it after all cleanup functions have
// been registered.
func (m *Manager) Start() {
	logger := logging.Shutdown()
	logger.Debug("shutdown manager started, listening for signals")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("signal received, initiating shutdown", "signal", sig.String())
		m.Shutdown("signal:" + sig.String())
	}()
}

// Shutdown triggers graceful shutdown with the given reason. Safe to call
// multiple times; only the first call executes cleanup. Blocks until all
// cleanup is complete.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.doShutdown(reason)
	})
}

func (m *Manager) doShutdown(reason string) {
	logger := logging.Shutdown()
	logger.Info("starting shutdown sequence", "reason", reason)

	m.mu.Lock()
	m.reason = reason
	cleanups := make([]CleanupFunc, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i, fn := range cleanups {
		logger.Debug("running cleanup function", "index", i, "total", len(cleanups))
		fn(reason)
	}

	logger.Info("shutdown sequence complete", "reason", reason)
	close(m.done)
}

// Done returns a channel closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns why shutdown ran, or an empty string before shutdown.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
