// Package notify replicates notification state across tabs. The leader is
// the sole writer from the push channel; every mutation is broadcast as a
// full snapshot over the cross-tab bus, and followers apply snapshots in
// arrival order. Fields merge last-write-wins except items, which append
// with dedup by id, so replays and overlapping snapshots are harmless.
package notify

import (
	"encoding/json"
	"time"
)

// Item is one notification entry.
type Item struct {
	ID         string          `json:"id"`
	Title      string          `json:"title,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Read       bool            `json:"read"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Alert is a notification that matched a user-configured alert rule.
type Alert struct {
	Rule    string    `json:"rule"`
	ItemID  string    `json:"item_id,omitempty"`
	Channel string    `json:"channel,omitempty"`
	FiredAt time.Time `json:"fired_at"`
}

// SyncedState is the replicated notification state. Identical on every tab
// once the same snapshots have been applied.
type SyncedState struct {
	UnreadCount         int     `json:"unread_count"`
	Items               []Item  `json:"items"`
	Alerts              []Alert `json:"alerts"`
	ModerationQueueSize int     `json:"moderation_queue_size"`
}

// Clone returns a deep copy safe to hand to callbacks.
func (s SyncedState) Clone() SyncedState {
	out := s
	out.Items = append([]Item(nil), s.Items...)
	out.Alerts = append([]Alert(nil), s.Alerts...)
	return out
}

// AppendItem adds item unless an entry with the same id already exists.
// New unread items bump UnreadCount. Returns whether the state changed.
func (s *SyncedState) AppendItem(item Item) bool {
	for _, existing := range s.Items {
		if existing.ID == item.ID {
			return false
		}
	}
	s.Items = append(s.Items, item)
	if !item.Read {
		s.UnreadCount++
	}
	return true
}

// MarkAsRead marks the item read. Idempotent; marking an already-read or
// unknown item changes nothing.
func (s *SyncedState) MarkAsRead(id string) bool {
	for i := range s.Items {
		if s.Items[i].ID != id {
			continue
		}
		if s.Items[i].Read {
			return false
		}
		s.Items[i].Read = true
		if s.UnreadCount > 0 {
			s.UnreadCount--
		}
		return true
	}
	return false
}

// MarkAllAsRead marks every item read. Idempotent.
func (s *SyncedState) MarkAllAsRead() bool {
	changed := false
	for i := range s.Items {
		if !s.Items[i].Read {
			s.Items[i].Read = true
			changed = true
		}
	}
	if s.UnreadCount != 0 {
		s.UnreadCount = 0
		changed = true
	}
	return changed
}

// Merge applies in over s: scalar fields last-write-wins, items appended
// with dedup by id, alerts appended with dedup by rule+item. Read flags
// from in win so a mark-as-read replicated in a snapshot sticks.
func (s *SyncedState) Merge(in SyncedState) {
	index := make(map[string]int, len(s.Items))
	for i, item := range s.Items {
		index[item.ID] = i
	}
	for _, item := range in.Items {
		if i, ok := index[item.ID]; ok {
			if item.Read {
				s.Items[i].Read = true
			}
			continue
		}
		index[item.ID] = len(s.Items)
		s.Items = append(s.Items, item)
	}

	seen := make(map[string]bool, len(s.Alerts))
	for _, a := range s.Alerts {
		seen[a.Rule+"\x00"+a.ItemID] = true
	}
	for _, a := range in.Alerts {
		if key := a.Rule + "\x00" + a.ItemID; !seen[key] {
			seen[key] = true
			s.Alerts = append(s.Alerts, a)
		}
	}

	s.UnreadCount = in.UnreadCount
	s.ModerationQueueSize = in.ModerationQueueSize
}
