package realtime

// State is the push-channel connection state. It is owned exclusively by
// the Manager; everything else observes it read-only.
type State int

const (
	// StateIdle means Connect has not been called.
	StateIdle State = iota
	// StateConnecting means the first dial is in flight.
	StateConnecting
	// StateConnected means the channel is live.
	StateConnected
	// StateReconnecting means the channel dropped and backoff retries
	// are in progress.
	StateReconnecting
	// StateFailed means the retry ceiling was reached; only
	// ForceReconnect or Disconnect leave this state.
	StateFailed
	// StateClosed means Disconnect was called. Terminal.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Live reports whether messages can currently be sent.
func (s State) Live() bool {
	return s == StateConnected
}
