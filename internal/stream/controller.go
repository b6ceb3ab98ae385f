package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candorlabs/candor/internal/api"
	"github.com/candorlabs/candor/internal/logging"
)

// Status is the lifecycle state of one generation.
type Status int

const (
	// StatusStreaming means events are still being applied.
	StatusStreaming Status = iota
	// StatusCompleted means the server sent an end frame.
	StatusCompleted
	// StatusErrored means the server sent an error frame, or the stream
	// died without a terminal frame.
	StatusErrored
	// StatusStopped means the user stopped the generation. Not a failure.
	StatusStopped
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrNoGeneration is returned by Stop when nothing is streaming. Callers
// treat it as a no-op signal, not a failure.
var ErrNoGeneration = errors.New("no generation in progress")

// Sink receives generation events. Calls arrive from a single goroutine in
// stream order; implementations do not need their own locking for ordering.
type Sink interface {
	// OnSessionStart delivers the authoritative session id from the
	// server's start frame. It may differ from the caller's hint on the
	// first message of a new conversation.
	OnSessionStart(sessionID int64)

	// OnChunk delivers one appended fragment. Chunks are append-only;
	// previously delivered text never changes.
	OnChunk(delta string)

	// OnFinish fires exactly once per generation with the terminal
	// status, the full accumulated text (retained on error for display),
	// and the error frame message when status is StatusErrored.
	OnFinish(status Status, text, errMsg string)
}

// Generation is one in-flight answer.
type Generation struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc

	mu        sync.Mutex
	sessionID int64
	text      []byte
	status    Status
	errMsg    string
	finished  bool

	done chan struct{}
}

// ID returns the generation's client-side id.
func (g *Generation) ID() string { return g.id }

// StartedAt returns when the generation began.
func (g *Generation) StartedAt() time.Time { return g.startedAt }

// SessionID returns the session id confirmed by the server, or the local
// hint until the start frame arrives.
func (g *Generation) SessionID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

// Text returns the accumulated answer text so far.
func (g *Generation) Text() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return string(g.text)
}

// Status returns the generation's current lifecycle state.
func (g *Generation) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// ErrMessage returns the server error message for StatusErrored.
func (g *Generation) ErrMessage() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errMsg
}

// Done returns a channel closed when the generation reaches a terminal
// state.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Abort cancels the local read. No chunk is applied after Abort returns,
// even if already buffered.
func (g *Generation) Abort() {
	g.mu.Lock()
	if g.status == StatusStreaming {
		g.status = StatusStopped
	}
	g.mu.Unlock()
	g.cancel()
}

// Controller drives token streams for one chat view. Generations are
// serialized: starting a new one aborts the previous one first, so event
// sequences from two generations never interleave.
type Controller struct {
	client      *api.Client
	logger      *slog.Logger
	idleTimeout time.Duration

	mu      sync.Mutex
	current *Generation
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithIdleTimeout aborts a stream with no activity for d. Default: 60s.
func WithIdleTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.idleTimeout = d
	}
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a stream controller backed by the given API client.
func NewController(client *api.Client, opts ...ControllerOption) *Controller {
	c := &Controller{
		client:      client,
		logger:      logging.Stream(),
		idleTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens exactly one framed response stream for the prompt and begins
// applying its events to sink. sessionHint carries the locally-known
// session id (zero for a new conversation); the server's start frame is
// authoritative and overwrites it. A still-running previous generation is
// aborted first and its terminal callback fires before this call returns.
func (c *Controller) Start(ctx context.Context, prompt string, sessionHint int64, sink Sink) (*Generation, error) {
	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()
	if prev != nil {
		prev.Abort()
		<-prev.Done()
	}

	gctx, cancel := context.WithCancel(ctx)
	body, err := c.client.OpenStream(gctx, api.ChatRequest{Message: prompt, SessionID: sessionHint})
	if err != nil {
		cancel()
		return nil, err
	}

	g := &Generation{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		cancel:    cancel,
		sessionID: sessionHint,
		status:    StatusStreaming,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.current = g
	c.mu.Unlock()

	go c.readLoop(gctx, g, body, sink)
	return g, nil
}

// Stop implements user-initiated cancellation: it aborts the local read
// first (guaranteeing no further chunks), then fires a best-effort stop
// signal at the server. A failure to deliver the server signal never blocks
// the local abort. Stop with no active generation returns ErrNoGeneration.
func (c *Controller) Stop() error {
	c.mu.Lock()
	g := c.current
	c.mu.Unlock()

	if g == nil || g.Status() != StatusStreaming {
		return ErrNoGeneration
	}

	g.Abort()
	sessionID := g.SessionID()

	// Fire-and-forget: the server-side process stops on its own schedule.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.StopGeneration(ctx, sessionID); err != nil {
			c.logger.Debug("server stop signal not delivered", "session_id", sessionID, "error", err)
		}
	}()

	return nil
}

// Current returns the most recent generation, which may be terminal.
func (c *Controller) Current() *Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// readLoop reads the body incrementally, applying one parsed event at a
// time. It always finalizes the generation: a stream that closes without a
// terminal frame finalizes as an implicit error rather than pending forever.
func (c *Controller) readLoop(ctx context.Context, g *Generation, body io.ReadCloser, sink Sink) {
	defer body.Close()

	// The idle watchdog cancels the request context, which fails the next
	// Read. Every successful read rearms it.
	watchdog := time.AfterFunc(c.idleTimeout, func() {
		c.logger.Warn("stream idle timeout, aborting", "generation_id", g.id, "timeout", c.idleTimeout)
		g.cancel()
	})
	defer watchdog.Stop()

	var parser FrameParser
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			watchdog.Reset(c.idleTimeout)
			for _, payload := range parser.Feed(buf[:n]) {
				if done := c.apply(g, ParsePayload(payload), sink); done {
					return
				}
			}
		}
		if err != nil {
			c.finalizeAbrupt(g, err, sink)
			return
		}
	}
}

// apply folds one event into the generation. Returns true when the
// generation reached a terminal state.
func (c *Controller) apply(g *Generation, ev Event, sink Sink) bool {
	g.mu.Lock()
	if g.status != StatusStreaming {
		// Stopped while frames were still buffered; drop them.
		g.mu.Unlock()
		c.finalize(g, sink)
		return true
	}

	switch ev.Type {
	case EventStart:
		g.sessionID = ev.SessionID
		g.mu.Unlock()
		c.logger.Debug("stream started", "generation_id", g.id, "session_id", ev.SessionID)
		sink.OnSessionStart(ev.SessionID)
		return false

	case EventChunk:
		g.text = append(g.text, ev.Content...)
		g.mu.Unlock()
		sink.OnChunk(ev.Content)
		return false

	case EventEnd:
		g.status = StatusCompleted
		g.mu.Unlock()
		c.finalize(g, sink)
		return true

	case EventError:
		g.status = StatusErrored
		g.errMsg = ev.Content
		g.mu.Unlock()
		c.finalize(g, sink)
		return true
	}

	g.mu.Unlock()
	return false
}

// finalizeAbrupt handles a read error before any terminal frame: a user
// abort keeps StatusStopped, anything else becomes an implicit error.
func (c *Controller) finalizeAbrupt(g *Generation, err error, sink Sink) {
	g.mu.Lock()
	if g.status == StatusStreaming {
		g.status = StatusErrored
		if errors.Is(err, io.EOF) {
			g.errMsg = "stream closed before completion"
		} else {
			g.errMsg = err.Error()
		}
	}
	g.mu.Unlock()
	c.finalize(g, sink)
}

// finalize fires the terminal callback exactly once and releases resources.
func (c *Controller) finalize(g *Generation, sink Sink) {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return
	}
	g.finished = true
	status := g.status
	text := string(g.text)
	errMsg := g.errMsg
	g.mu.Unlock()

	g.cancel()
	c.logger.Debug("stream finished",
		"generation_id", g.id,
		"status", status.String(),
		"chars", len(text),
		"elapsed", time.Since(g.startedAt))
	sink.OnFinish(status, text, errMsg)
	close(g.done)
}
