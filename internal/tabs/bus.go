package tabs

import (
	"encoding/json"
	"sync"
	"time"
)

// Cross-tab envelope kinds.
const (
	// KindLeaderAnnounce is broadcast by a tab when it becomes leader.
	KindLeaderAnnounce = "leader_announce"
	// KindStateSync carries a full replicated-state snapshot from the
	// leader to followers.
	KindStateSync = "state_sync"
	// KindHeartbeat is the bus-level liveness signal.
	KindHeartbeat = "heartbeat"
)

// BusEnvelope is the cross-tab message format. Payload is kind-specific.
type BusEnvelope struct {
	Kind      string          `json:"kind"`
	TabID     string          `json:"tab_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewBusEnvelope builds an envelope from the given sender, marshalling
// payload to JSON. A nil payload produces an empty envelope body.
func NewBusEnvelope(kind, tabID string, payload any) (BusEnvelope, error) {
	env := BusEnvelope{Kind: kind, TabID: tabID, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return BusEnvelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// Bus delivers envelopes between tabs. Delivery preserves per-sender
// order; there is no delivery guarantee to tabs that join later.
type Bus interface {
	// Publish delivers env to every subscriber, including ones belonging
	// to the sender.
	Publish(env BusEnvelope)
	// Subscribe registers fn for every subsequent envelope and returns a
	// cancel function. fn runs on the publisher's goroutine and must not
	// block.
	Subscribe(fn func(BusEnvelope)) (cancel func())
}

// MemoryBus is the in-process Bus used when all tabs live in one process.
// Cross-process deployments converge through the shared registry alone;
// their followers rebuild state on promotion instead of mirroring it live.
type MemoryBus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(BusEnvelope)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]func(BusEnvelope))}
}

// Publish delivers env to every current subscriber, in subscription order
// for a given sender goroutine.
func (b *MemoryBus) Publish(env BusEnvelope) {
	b.mu.Lock()
	subs := make([]func(BusEnvelope), 0, len(b.subs))
	for i := 0; i < b.next; i++ {
		if fn, ok := b.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
}

// Subscribe registers fn and returns its cancel function.
func (b *MemoryBus) Subscribe(fn func(BusEnvelope)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
