package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/candorlabs/candor/internal/api"
	"github.com/candorlabs/candor/internal/logging"
	"github.com/candorlabs/candor/internal/realtime"
	"github.com/candorlabs/candor/internal/tabs"
)

// DefaultSyncInterval bounds how often snapshots go out on the bus, so a
// chatty dashboard cannot flood followers. A trailing flush always sends
// the final state.
const DefaultSyncInterval = 200 * time.Millisecond

const receiptTimeout = 5 * time.Second

// UpdateListener observes replicated state changes. Called with a private
// copy; must not block.
type UpdateListener func(SyncedState)

// Router maintains this tab's view of the replicated notification state.
// On the leader it applies push-channel envelopes and broadcasts
// snapshots; on followers it applies snapshots from the bus. Local reads
// (UnreadCount, State) are identical across tabs once the same snapshots
// have been applied.
type Router struct {
	client *api.Client
	bus    tabs.Bus
	tabID  string
	rules  *RuleSet
	logger *slog.Logger

	limiter  *rate.Limiter
	interval time.Duration

	mu         sync.Mutex
	leading    bool
	state      SyncedState
	listeners  []UpdateListener
	dirty      bool
	flushTimer *time.Timer
	cancelSub  func()
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRules installs compiled alert rules.
func WithRules(rs *RuleSet) RouterOption {
	return func(r *Router) { r.rules = rs }
}

// WithSyncInterval sets the minimum spacing between bus snapshots.
func WithSyncInterval(d time.Duration) RouterOption {
	return func(r *Router) { r.interval = d }
}

// WithRouterLogger sets the router's logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router for the tab identified by tabID. client may
// be nil on tabs that never talk to the server directly.
func NewRouter(client *api.Client, bus tabs.Bus, tabID string, opts ...RouterOption) *Router {
	r := &Router{
		client:   client,
		bus:      bus,
		tabID:    tabID,
		logger:   logging.Notify(),
		interval: DefaultSyncInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.limiter = rate.NewLimiter(rate.Every(r.interval), 1)
	return r
}

// Start subscribes the router to the cross-tab bus.
func (r *Router) Start() {
	if r.bus == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelSub != nil {
		return
	}
	r.cancelSub = r.bus.Subscribe(r.onBusEnvelope)
}

// Close unsubscribes from the bus and drops any pending flush.
func (r *Router) Close() {
	r.mu.Lock()
	cancel := r.cancelSub
	r.cancelSub = nil
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetLeading switches the router between leader and follower behavior.
// Wire it to the coordinator's role transitions.
func (r *Router) SetLeading(leading bool) {
	r.mu.Lock()
	r.leading = leading
	r.mu.Unlock()
}

// OnUpdate registers a listener for every local state change.
func (r *Router) OnUpdate(l UpdateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// State returns a copy of the current replicated state.
func (r *Router) State() SyncedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// UnreadCount returns the replicated unread count.
func (r *Router) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UnreadCount
}

// LoadSnapshot fetches the server-side notification state and merges it
// in. The leader calls this after connecting so reconnection resumes from
// current state instead of an empty one.
func (r *Router) LoadSnapshot(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	snap, err := r.client.FetchNotifications(ctx)
	if err != nil {
		return err
	}

	in := SyncedState{
		UnreadCount:         snap.UnreadCount,
		ModerationQueueSize: snap.ModerationQueueSize,
	}
	for _, raw := range snap.Items {
		item, ok := decodeItem(raw, "")
		if !ok {
			continue
		}
		in.Items = append(in.Items, item)
	}

	r.mu.Lock()
	r.state.Merge(in)
	r.mu.Unlock()
	r.publish()
	return nil
}

// HandleEnvelope applies one push-channel envelope. Wire it as the
// connection manager's handler; only the leader applies envelopes, so
// followers sharing a handler are safe.
func (r *Router) HandleEnvelope(env realtime.Envelope) {
	r.mu.Lock()
	leading := r.leading
	r.mu.Unlock()
	if !leading {
		return
	}

	changed := false
	switch env.Type {
	case realtime.MsgTypeNotification:
		item, ok := decodeItem(env.Data, env.Channel)
		if !ok {
			r.logger.Warn("dropping notification without id", "channel", env.Channel)
			break
		}
		r.mu.Lock()
		changed = r.state.AppendItem(item)
		r.mu.Unlock()

	case realtime.MsgTypeDashboardUpdate:
		if env.Channel != realtime.ChannelModerationQueue {
			break
		}
		var upd struct {
			Size int `json:"size"`
		}
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			r.logger.Warn("dropping malformed dashboard update", "error", err)
			break
		}
		r.mu.Lock()
		if r.state.ModerationQueueSize != upd.Size {
			r.state.ModerationQueueSize = upd.Size
			changed = true
		}
		r.mu.Unlock()

	default:
		// Token and completion traffic belongs to the stream layer.
	}

	if fired := r.rules.Match(env); len(fired) > 0 {
		itemID := ""
		if item, ok := decodeItem(env.Data, env.Channel); ok {
			itemID = item.ID
		}
		r.mu.Lock()
		for _, rule := range fired {
			r.state.Alerts = append(r.state.Alerts, Alert{
				Rule:    rule,
				ItemID:  itemID,
				Channel: env.Channel,
				FiredAt: time.Now().UTC(),
			})
		}
		r.mu.Unlock()
		changed = true
	}

	if changed {
		r.notifyLocal()
		r.publish()
	}
}

// MarkAsRead marks the item read locally, replicates the change, and
// reports a best-effort read receipt to the server. Idempotent; the
// receipt never blocks the local mutation.
func (r *Router) MarkAsRead(id string) {
	r.mu.Lock()
	changed := r.state.MarkAsRead(id)
	r.mu.Unlock()
	if !changed {
		return
	}
	r.notifyLocal()
	r.publish()

	if r.client != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
			defer cancel()
			if err := r.client.MarkNotificationRead(ctx, id); err != nil {
				r.logger.Warn("read receipt failed", "id", id, "error", err)
			}
		}()
	}
}

// MarkAllAsRead marks every item read and replicates the change.
func (r *Router) MarkAllAsRead() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.state.Items))
	for _, item := range r.state.Items {
		if !item.Read {
			ids = append(ids, item.ID)
		}
	}
	changed := r.state.MarkAllAsRead()
	r.mu.Unlock()
	if !changed {
		return
	}
	r.notifyLocal()
	r.publish()

	if r.client != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
			defer cancel()
			for _, id := range ids {
				if err := r.client.MarkNotificationRead(ctx, id); err != nil {
					r.logger.Warn("read receipt failed", "id", id, "error", err)
					return
				}
			}
		}()
	}
}

// onBusEnvelope applies snapshots broadcast by other tabs, in arrival
// order.
func (r *Router) onBusEnvelope(env tabs.BusEnvelope) {
	if env.Kind != tabs.KindStateSync || env.TabID == r.tabID {
		return
	}
	var in SyncedState
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		r.logger.Warn("dropping malformed state sync", "from", env.TabID, "error", err)
		return
	}
	r.mu.Lock()
	r.state.Merge(in)
	r.mu.Unlock()
	r.notifyLocal()
}

// publish broadcasts the current state on the bus, rate-limited. When the
// limiter rejects, a trailing flush is scheduled so the final state always
// goes out.
func (r *Router) publish() {
	if r.bus == nil {
		return
	}
	r.mu.Lock()
	if !r.limiter.Allow() {
		r.dirty = true
		if r.flushTimer == nil {
			r.flushTimer = time.AfterFunc(r.interval, r.flushPending)
		}
		r.mu.Unlock()
		return
	}
	snapshot := r.state.Clone()
	r.mu.Unlock()
	r.send(snapshot)
}

func (r *Router) flushPending() {
	r.mu.Lock()
	r.flushTimer = nil
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	snapshot := r.state.Clone()
	r.mu.Unlock()
	r.send(snapshot)
}

func (r *Router) send(snapshot SyncedState) {
	env, err := tabs.NewBusEnvelope(tabs.KindStateSync, r.tabID, snapshot)
	if err != nil {
		r.logger.Warn("failed to encode state sync", "error", err)
		return
	}
	r.bus.Publish(env)
}

func (r *Router) notifyLocal() {
	r.mu.Lock()
	listeners := make([]UpdateListener, len(r.listeners))
	copy(listeners, r.listeners)
	snapshot := r.state.Clone()
	r.mu.Unlock()
	for _, l := range listeners {
		l(snapshot)
	}
}

// decodeItem extracts a notification item from a push payload. Items
// without an id cannot be deduplicated and are rejected.
func decodeItem(data json.RawMessage, channel string) (Item, bool) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, false
	}
	if item.ID == "" {
		return Item{}, false
	}
	if item.Channel == "" {
		item.Channel = channel
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}
	return item, true
}
