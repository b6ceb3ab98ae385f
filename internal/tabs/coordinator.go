package tabs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/candorlabs/candor/internal/logging"
)

// Role is a tab's current coordination role.
type Role int

const (
	// RoleFollower means another tab holds the live connection; this tab
	// mirrors replicated state from the bus.
	RoleFollower Role = iota
	// RoleLeader means this tab holds the live connection and is the
	// sole writer of replicated state.
	RoleLeader
	// RoleDegraded means the registry has been unreadable long enough
	// that this tab no longer knows who the leader is. Callers should
	// surface it; the tab keeps retrying and leaves the role as soon as
	// an election succeeds.
	RoleDegraded
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	case RoleDegraded:
		return "degraded"
	}
	return "unknown"
}

// RoleListener observes role transitions. Called from the registry's watch
// goroutine; implementations must not block.
type RoleListener func(old, new Role)

// Coordinator runs the election for one tab: it registers the tab, re-runs
// the pure election on every registry change, and reports promotions and
// demotions. Exactly one tab computes itself leader from any given live
// set, so at most one connection is live per user.
type Coordinator struct {
	registry *Registry
	bus      Bus
	logger   *slog.Logger

	// degradeAfter is how long the registry may stay unreadable before
	// the role drops to degraded.
	degradeAfter time.Duration

	mu           sync.Mutex
	started      bool
	role         Role
	leader       TabIdentity
	haveLeader   bool
	failingSince time.Time
	listeners    []RoleListener
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over the given registry and bus.
func NewCoordinator(registry *Registry, bus Bus, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry:     registry,
		bus:          bus,
		logger:       logging.Tabs(),
		degradeAfter: 3 * registry.heartbeat,
		role:         RoleFollower,
	}
	for _, opt := range opts {
		opt(c)
	}
	registry.OnChange(c.evaluate)
	return c
}

// OnRoleChange registers a transition listener.
func (c *Coordinator) OnRoleChange(l RoleListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Role returns this tab's current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsLeader reports whether this tab currently leads.
func (c *Coordinator) IsLeader() bool {
	return c.Role() == RoleLeader
}

// Leader returns the currently elected leader, if any.
func (c *Coordinator) Leader() (TabIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader, c.haveLeader
}

// Start registers the tab and runs the first election. The initial role
// transition (usually to leader for the first tab) fires before Start
// returns.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.registry.Register(); err != nil {
		return err
	}
	c.evaluate()
	return nil
}

// Stop deregisters the tab. The remaining tabs observe the record
// disappear and re-elect. Idempotent.
func (c *Coordinator) Stop() {
	c.registry.Deregister()
}

// evaluate re-runs the election against the current live set. Runs on the
// registry watch goroutine and on Start.
func (c *Coordinator) evaluate() {
	live, err := c.registry.Live()
	if err != nil {
		c.registryFailure(err)
		return
	}

	leader, ok := Leader(live)
	if !ok {
		// Our own record should be in the set; treat its absence like a
		// read failure so a wiped registry degrades instead of flapping.
		c.registryFailure(nil)
		return
	}

	next := RoleFollower
	if leader.TabID == c.registry.Self().TabID {
		next = RoleLeader
	}

	c.mu.Lock()
	c.failingSince = time.Time{}
	c.leader = leader
	c.haveLeader = true
	old := c.role
	if old == next {
		c.mu.Unlock()
		return
	}
	c.role = next
	listeners := make([]RoleListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	c.logger.Info("tab role changed",
		"tab_id", c.registry.Self().TabID,
		"from", old.String(),
		"to", next.String(),
		"leader", leader.TabID)

	if next == RoleLeader && c.bus != nil {
		env, err := NewBusEnvelope(KindLeaderAnnounce, leader.TabID, nil)
		if err == nil {
			c.bus.Publish(env)
		}
	}
	for _, l := range listeners {
		l(old, next)
	}
}

// registryFailure tracks how long elections have been failing and drops
// the role to degraded once the window is exceeded.
func (c *Coordinator) registryFailure(err error) {
	c.mu.Lock()
	now := time.Now()
	if c.failingSince.IsZero() {
		c.failingSince = now
	}
	degraded := now.Sub(c.failingSince) >= c.degradeAfter
	old := c.role
	var listeners []RoleListener
	if degraded && old != RoleDegraded {
		c.role = RoleDegraded
		c.haveLeader = false
		listeners = make([]RoleListener, len(c.listeners))
		copy(listeners, c.listeners)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("tab election failed", "error", err)
	}
	for _, l := range listeners {
		l(old, RoleDegraded)
	}
}
