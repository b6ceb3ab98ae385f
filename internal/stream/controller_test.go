package stream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/candorlabs/candor/internal/api"
)

// testSink records everything the controller delivers.
type testSink struct {
	mu        sync.Mutex
	sessionID int64
	chunks    []string
	status    Status
	text      string
	errMsg    string
	finishes  int
	done      chan struct{}
}

func newTestSink() *testSink {
	return &testSink{done: make(chan struct{})}
}

func (s *testSink) OnSessionStart(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
}

func (s *testSink) OnChunk(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, delta)
}

func (s *testSink) OnFinish(status Status, text, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.text = text
	s.errMsg = errMsg
	s.finishes++
	if s.finishes == 1 {
		close(s.done)
	}
}

func (s *testSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finalize")
	}
}

// streamServer serves the given frames with flushes between them.
func streamServer(t *testing.T, frames []string, abrupt bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame)
			flusher.Flush()
		}
		if abrupt {
			// Returning without an end/error frame closes the body.
			return
		}
	}))
}

func TestController_FullStream(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"type\":\"start\",\"session_id\":1}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"А\"}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"Б\"}\n\n",
		"data: {\"type\":\"end\"}\n\n",
	}, false)
	defer srv.Close()

	ctrl := NewController(api.New(srv.URL))
	sink := newTestSink()
	g, err := ctrl.Start(context.Background(), "привет", 0, sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	if sink.status != StatusCompleted {
		t.Errorf("status = %v, want completed", sink.status)
	}
	if sink.text != "АБ" {
		t.Errorf("text = %q, want %q", sink.text, "АБ")
	}
	if sink.sessionID != 1 {
		t.Errorf("sessionID = %d, want 1", sink.sessionID)
	}
	if g.SessionID() != 1 {
		t.Errorf("generation SessionID() = %d, want 1", g.SessionID())
	}
	if len(sink.chunks) != 2 {
		t.Errorf("chunks = %q", sink.chunks)
	}
	if sink.finishes != 1 {
		t.Errorf("finishes = %d, want exactly 1", sink.finishes)
	}
}

func TestController_ErrorFrameRetainsPartialText(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"type\":\"start\",\"session_id\":2}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"X\"}\n\n",
		"data: {\"type\":\"error\",\"content\":\"timeout\"}\n\n",
	}, false)
	defer srv.Close()

	ctrl := NewController(api.New(srv.URL))
	sink := newTestSink()
	if _, err := ctrl.Start(context.Background(), "q", 0, sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	if sink.status != StatusErrored {
		t.Errorf("status = %v, want errored", sink.status)
	}
	if sink.errMsg != "timeout" {
		t.Errorf("errMsg = %q, want %q", sink.errMsg, "timeout")
	}
	if sink.text != "X" {
		t.Errorf("partial text = %q, want retained %q", sink.text, "X")
	}
}

func TestController_AbruptCloseFinalizesAsError(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"type\":\"start\",\"session_id\":3}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"partial\"}\n\n",
	}, true)
	defer srv.Close()

	ctrl := NewController(api.New(srv.URL))
	sink := newTestSink()
	if _, err := ctrl.Start(context.Background(), "q", 0, sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	if sink.status != StatusErrored {
		t.Errorf("status = %v, want errored on abrupt close", sink.status)
	}
	if sink.text != "partial" {
		t.Errorf("text = %q", sink.text)
	}
	if sink.errMsg == "" {
		t.Error("errMsg should describe the abrupt close")
	}
}

func TestController_MalformedFrameDegradesToChunk(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"type\":\"start\",\"session_id\":4}\n\n",
		"data: not json at all\n\n",
		"data: {\"type\":\"end\"}\n\n",
	}, false)
	defer srv.Close()

	ctrl := NewController(api.New(srv.URL))
	sink := newTestSink()
	if _, err := ctrl.Start(context.Background(), "q", 0, sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	if sink.status != StatusCompleted {
		t.Errorf("status = %v, want completed despite malformed frame", sink.status)
	}
	if sink.text != "not json at all" {
		t.Errorf("text = %q", sink.text)
	}
}

func TestController_Stop(t *testing.T) {
	release := make(chan struct{})
	var stopCalled sync.WaitGroup
	stopCalled.Add(1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"type\":\"start\",\"session_id\":9}\n\n")
		io.WriteString(w, "data: {\"type\":\"chunk\",\"content\":\"began\"}\n\n")
		flusher.Flush()
		<-release // hold the stream open until the test ends
	})
	mux.HandleFunc("/api/chat/9/stop", func(w http.ResponseWriter, r *http.Request) {
		stopCalled.Done()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	ctrl := NewController(api.New(srv.URL))
	sink := newTestSink()
	g, err := ctrl.Start(context.Background(), "q", 0, sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Wait until the first chunk landed so the session id is bound.
	deadline := time.Now().Add(5 * time.Second)
	for g.Text() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	sink.wait(t)

	if sink.status != StatusStopped {
		t.Errorf("status = %v, want stopped", sink.status)
	}

	// Stop is idempotent: a second call is a recognizable no-op.
	if err := ctrl.Stop(); err != ErrNoGeneration {
		t.Errorf("second Stop() = %v, want ErrNoGeneration", err)
	}

	// The best-effort server signal fires.
	waitDone := make(chan struct{})
	go func() {
		stopCalled.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Error("server stop signal never delivered")
	}
}

func TestController_StopWithoutGeneration(t *testing.T) {
	ctrl := NewController(api.New("http://127.0.0.1:0"))
	if err := ctrl.Stop(); err != ErrNoGeneration {
		t.Errorf("Stop() = %v, want ErrNoGeneration", err)
	}
}

func TestController_NewStartAbortsPrevious(t *testing.T) {
	release := make(chan struct{})
	first := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if first {
			first = false
			io.WriteString(w, "data: {\"type\":\"start\",\"session_id\":5}\n\n")
			flusher.Flush()
			<-release
			return
		}
		io.WriteString(w, "data: {\"type\":\"start\",\"session_id\":5}\n\n")
		io.WriteString(w, "data: {\"type\":\"chunk\",\"content\":\"second\"}\n\n")
		io.WriteString(w, "data: {\"type\":\"end\"}\n\n")
	}))
	defer srv.Close()
	defer close(release)

	ctrl := NewController(api.New(srv.URL))
	sink1 := newTestSink()
	if _, err := ctrl.Start(context.Background(), "one", 0, sink1); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	sink2 := newTestSink()
	if _, err := ctrl.Start(context.Background(), "two", 5, sink2); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	// The first generation must have finalized before the second began.
	select {
	case <-sink1.done:
	default:
		t.Error("previous generation still pending after new Start()")
	}
	if sink1.status != StatusStopped {
		t.Errorf("first generation status = %v, want stopped", sink1.status)
	}

	sink2.wait(t)
	if sink2.status != StatusCompleted || sink2.text != "second" {
		t.Errorf("second generation = (%v, %q)", sink2.status, sink2.text)
	}
}

func TestController_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"type\":\"start\",\"session_id\":6}\n\n")
		flusher.Flush()
		<-release // then silence
	}))
	defer srv.Close()
	defer close(release)

	ctrl := NewController(api.New(srv.URL), WithIdleTimeout(50*time.Millisecond))
	sink := newTestSink()
	if _, err := ctrl.Start(context.Background(), "q", 0, sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	// The stalled stream is aborted, not waited on forever. The abort
	// shows up as a stopped/errored terminal state within the timeout.
	if sink.status == StatusCompleted || sink.status == StatusStreaming {
		t.Errorf("status = %v, want a terminal abort state", sink.status)
	}
}
