package tabs

import (
	"sync"
	"testing"
	"time"
)

func testCoordinator(t *testing.T, dir string, bus Bus) *Coordinator {
	t.Helper()
	r, err := NewRegistry(dir,
		WithHeartbeatInterval(20*time.Millisecond),
		WithStaleTimeout(150*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	c := NewCoordinator(r, bus)
	t.Cleanup(c.Stop)
	return c
}

func TestCoordinatorFirstTabLeads(t *testing.T) {
	dir := t.TempDir()
	bus := NewMemoryBus()

	announced := make(chan BusEnvelope, 1)
	bus.Subscribe(func(env BusEnvelope) {
		if env.Kind == KindLeaderAnnounce {
			select {
			case announced <- env:
			default:
			}
		}
	})

	c := testCoordinator(t, dir, bus)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if c.Role() != RoleLeader {
		t.Fatalf("first tab role = %v, want leader", c.Role())
	}
	leader, ok := c.Leader()
	if !ok || leader.TabID != c.registry.Self().TabID {
		t.Fatalf("Leader = %v/%v, want self", leader.TabID, ok)
	}

	select {
	case env := <-announced:
		if env.TabID != c.registry.Self().TabID {
			t.Errorf("leader_announce from %q, want self", env.TabID)
		}
	case <-time.After(time.Second):
		t.Fatal("promotion never announced on the bus")
	}
}

func TestCoordinatorSecondTabFollows(t *testing.T) {
	dir := t.TempDir()
	bus := NewMemoryBus()

	first := testCoordinator(t, dir, bus)
	if err := first.Start(); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	// The second tab registers strictly later.
	time.Sleep(5 * time.Millisecond)
	second := testCoordinator(t, dir, bus)
	if err := second.Start(); err != nil {
		t.Fatalf("Start second: %v", err)
	}

	if second.Role() != RoleFollower {
		t.Fatalf("second tab role = %v, want follower", second.Role())
	}
	leader, ok := second.Leader()
	if !ok || leader.TabID != first.registry.Self().TabID {
		t.Fatalf("second tab sees leader %v, want first tab", leader.TabID)
	}
	waitFor(t, 2*time.Second, func() bool {
		return first.Role() == RoleLeader
	}, "first tab lost leadership to a later tab")
}

func TestCoordinatorPromotesOnLeaderExit(t *testing.T) {
	dir := t.TempDir()
	bus := NewMemoryBus()

	first := testCoordinator(t, dir, bus)
	if err := first.Start(); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second := testCoordinator(t, dir, bus)
	if err := second.Start(); err != nil {
		t.Fatalf("Start second: %v", err)
	}

	var mu sync.Mutex
	var transitions []Role
	second.OnRoleChange(func(_, next Role) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	})

	first.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return second.Role() == RoleLeader
	}, "surviving tab was never promoted")

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[len(transitions)-1] != RoleLeader {
		t.Errorf("role transitions = %v, want ending in leader", transitions)
	}
}

func TestCoordinatorStartIsIdempotent(t *testing.T) {
	c := testCoordinator(t, t.TempDir(), NewMemoryBus())
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if c.Role() != RoleLeader {
		t.Fatalf("role = %v, want leader", c.Role())
	}
}
