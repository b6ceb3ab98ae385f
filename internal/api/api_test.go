package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenStream(t *testing.T) {
	var gotAuth, gotAccept, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"start\",\"session_id\":7}\n\n")
		io.WriteString(w, "data: {\"type\":\"end\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, WithBearerToken("tok-1"))
	body, err := c.OpenStream(context.Background(), ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(data), `"session_id":7`) {
		t.Errorf("stream body = %q", data)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotPath != "/api/chat/stream" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestOpenStream_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.OpenStream(context.Background(), ChatRequest{Message: "hi"}); err == nil {
		t.Fatal("OpenStream() should fail on non-200")
	}
}

func TestStopGeneration(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIPrefix("/v1"))
	if err := c.StopGeneration(context.Background(), 42); err != nil {
		t.Fatalf("StopGeneration() error = %v", err)
	}
	if gotPath != "/v1/chat/42/stop" {
		t.Errorf("path = %q", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q", gotMethod)
	}
}

func TestFetchNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notifications" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"unread_count":3,"items":[{"id":"n1"}],"moderation_queue_size":5}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	snap, err := c.FetchNotifications(context.Background())
	if err != nil {
		t.Fatalf("FetchNotifications() error = %v", err)
	}
	if snap.UnreadCount != 3 || snap.ModerationQueueSize != 5 || len(snap.Items) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/events/ws"},
		{"https://candor.example.com", "wss://candor.example.com/api/events/ws"},
	}
	for _, tt := range tests {
		c := New(tt.base)
		if got := c.EventsURL(); got != tt.want {
			t.Errorf("EventsURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
