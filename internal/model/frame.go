package model

// Control frame types sent by the client over the realtime channel.
const (
	FrameInit = "init"
	FramePing = "ping"
)

// Frame is an outbound control frame. Content frames are plain Messages.
type Frame struct {
	Type  string `json:"t"`
	Token string `json:"tok,omitempty"`
	Time  *int64 `json:"time,omitempty"`
}

// InitFrame builds the handshake frame carrying the auth token and the time
// of the last message received, which lets the server fill the gap.
func InitFrame(token string, lastReceived int64) Frame {
	return Frame{Type: FrameInit, Token: token, Time: &lastReceived}
}

// PingFrame builds a keep-alive frame.
func PingFrame() Frame {
	return Frame{Type: FramePing}
}
