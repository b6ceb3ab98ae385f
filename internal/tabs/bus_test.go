package tabs

import (
	"encoding/json"
	"testing"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()

	var got []string
	cancel := bus.Subscribe(func(env BusEnvelope) {
		got = append(got, env.Kind)
	})
	defer cancel()

	for _, kind := range []string{KindLeaderAnnounce, KindStateSync, KindStateSync, KindHeartbeat} {
		env, err := NewBusEnvelope(kind, "tab-1", nil)
		if err != nil {
			t.Fatalf("NewBusEnvelope: %v", err)
		}
		bus.Publish(env)
	}

	want := []string{KindLeaderAnnounce, KindStateSync, KindStateSync, KindHeartbeat}
	if len(got) != len(want) {
		t.Fatalf("delivered %d envelopes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envelope %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()

	var a, b int
	cancelA := bus.Subscribe(func(BusEnvelope) { a++ })
	cancelB := bus.Subscribe(func(BusEnvelope) { b++ })
	defer cancelB()

	env, _ := NewBusEnvelope(KindHeartbeat, "tab-1", nil)
	bus.Publish(env)
	cancelA()
	bus.Publish(env)

	if a != 1 {
		t.Errorf("cancelled subscriber received %d envelopes, want 1", a)
	}
	if b != 2 {
		t.Errorf("live subscriber received %d envelopes, want 2", b)
	}
}

func TestNewBusEnvelopePayload(t *testing.T) {
	type syncPayload struct {
		UnreadCount int `json:"unread_count"`
	}
	env, err := NewBusEnvelope(KindStateSync, "tab-2", syncPayload{UnreadCount: 7})
	if err != nil {
		t.Fatalf("NewBusEnvelope: %v", err)
	}
	if env.Kind != KindStateSync || env.TabID != "tab-2" {
		t.Fatalf("envelope header = %+v", env)
	}
	if env.Timestamp.IsZero() {
		t.Error("envelope timestamp not set")
	}

	var got syncPayload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.UnreadCount != 7 {
		t.Errorf("payload unread_count = %d, want 7", got.UnreadCount)
	}
}
