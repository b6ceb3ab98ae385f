// Package realtime maintains the push channel: one WebSocket per tab,
// with heartbeat keepalive, exponential-backoff reconnect, and an
// observable connection state machine.
//
// All push-channel messages share one envelope:
//
//	{ "type": "...", "channel": "...", "data": { ... } }
package realtime

import "encoding/json"

// Envelope is the bidirectional push-channel message format.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope parses raw message bytes into an Envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// Client -> server message types.
const (
	// MsgTypeSubscribe subscribes this connection to a named channel.
	// Data: { "channels": []string }
	MsgTypeSubscribe = "subscribe"

	// MsgTypeChatRequest asks the backend to start a generation over the
	// push channel (mobile clients without a stream request).
	// Data: { "message": string, "session_id": int }
	MsgTypeChatRequest = "chat_request"
)

// Server -> client message types.
const (
	// MsgTypeToken carries one generation fragment pushed over the
	// channel. Data: { "session_id": int, "content": string }
	MsgTypeToken = "token"

	// MsgTypeComplete signals a pushed generation finished.
	// Data: { "session_id": int }
	MsgTypeComplete = "complete"

	// MsgTypeDashboardUpdate carries dashboard deltas.
	// Data: channel-specific object
	MsgTypeDashboardUpdate = "dashboard_update"

	// MsgTypeNotification carries one notification item.
	// Data: { "id": string, "title": string, ... }
	MsgTypeNotification = "notification"
)

// Channel names the client subscribes to.
const (
	ChannelAdminDashboard  = "admin_dashboard"
	ChannelNotifications   = "notifications"
	ChannelModerationQueue = "moderation_queue"
)

// SubscribeData is the payload of a subscribe message.
type SubscribeData struct {
	Channels []string `json:"channels"`
}

// NewSubscribe builds a subscribe envelope for the given channels.
func NewSubscribe(channels ...string) Envelope {
	data, _ := json.Marshal(SubscribeData{Channels: channels})
	return Envelope{Type: MsgTypeSubscribe, Data: data}
}
