// Package tabs coordinates the client instances ("tabs") of one user so
// that exactly one of them holds the live push channel. Tabs register in a
// shared file-backed registry, each writing only its own record, and every
// tab independently recomputes the leader from the live record set. There
// is no negotiation protocol; the election is a pure function, so all tabs
// converge on the same answer from the same inputs.
package tabs

import (
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// TabIdentity is one tab's registry record. Each tab writes only its own
// record; everything else is read-only.
type TabIdentity struct {
	TabID        string    `json:"tab_id"`
	RegisteredAt time.Time `json:"registered_at"`
	Heartbeat    time.Time `json:"heartbeat"`
	PID          int       `json:"pid"`
	Hostname     string    `json:"hostname"`
}

// NewIdentity creates a fresh identity for this process.
func NewIdentity() TabIdentity {
	now := time.Now().UTC()
	return TabIdentity{
		TabID:        uuid.New().String(),
		RegisteredAt: now,
		Heartbeat:    now,
		PID:          os.Getpid(),
		Hostname:     hostname(),
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// IsStale reports whether the record's heartbeat is older than timeout.
// Stale records are excluded from elections and eventually pruned.
func (id TabIdentity) IsStale(timeout time.Duration, now time.Time) bool {
	return now.Sub(id.Heartbeat) > timeout
}

// IsProcessDead reports whether the record's process no longer exists.
// Only meaningful for records written on this host.
func (id TabIdentity) IsProcessDead(currentHostname string) bool {
	if id.Hostname != currentHostname {
		return false
	}
	proc, err := os.FindProcess(id.PID)
	if err != nil {
		return true
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) != nil
}

// Leader elects the leader from the given live identities: the earliest
// RegisteredAt wins, ties broken by TabID. Deterministic, so every tab
// computes the same leader from the same set. Returns false when the set
// is empty.
func Leader(live []TabIdentity) (TabIdentity, bool) {
	if len(live) == 0 {
		return TabIdentity{}, false
	}
	sorted := make([]TabIdentity, len(live))
	copy(sorted, live)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].RegisteredAt.Equal(sorted[j].RegisteredAt) {
			return sorted[i].RegisteredAt.Before(sorted[j].RegisteredAt)
		}
		return sorted[i].TabID < sorted[j].TabID
	})
	return sorted[0], true
}
