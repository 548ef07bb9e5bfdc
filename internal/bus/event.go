package bus

import "time"

// Event kinds. Subscribers filter on the prefix before the dot.
const (
	KindStatusChanged  = "status.changed"
	KindSessionChanged = "session.changed"

	KindChannelConnected    = "channel.connected"
	KindChannelDisconnected = "channel.disconnected"
	KindChannelReconnecting = "channel.reconnecting"
	KindChannelMessage      = "channel.message"
	KindChannelTyping       = "channel.typing"
	KindChannelReceipt      = "channel.receipt"
	KindChannelFrameError   = "channel.frame_error"

	KindChatMessage    = "chat.message"
	KindChatTyping     = "chat.typing"
	KindChatViewed     = "chat.viewed"
	KindChatSent       = "chat.sent"
	KindChatQueued     = "chat.queued"
	KindChatSendFailed = "chat.send_failed"
	KindQueueFlushed   = "queue.flushed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
