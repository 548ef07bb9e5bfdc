// Package realtime maintains the single WebSocket connection to the chat
// server: handshake, keep-alive, reconnect and inbound classification.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when no connection is active.
var ErrNotConnected = errors.New("realtime channel not connected")

const (
	DefaultKeepAlive = 80 * time.Second
	DefaultDelay     = 5 * time.Second

	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// FrameError describes an inbound frame that could not be decoded or lacks
// the fields its kind needs.
type FrameError struct {
	Data []byte
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Data), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Disconnect is the payload of channel.disconnected events.
type Disconnect struct {
	Err error
}

// Reconnect is the payload of channel.reconnecting events.
type Reconnect struct {
	Attempt int
	Delay   time.Duration
}

// Options configures a Channel.
type Options struct {
	URL       string
	KeepAlive time.Duration
	Backoff   Backoff

	// Token returns the session token sent in the init frame.
	Token func() string
	// LastReceived returns the time of the newest message already received,
	// so the server can replay what was missed.
	LastReceived func() int64

	DialOptions *websocket.DialOptions
}

// Channel owns the realtime connection. Inbound frames are published on the
// bus as channel.message, channel.typing or channel.receipt.
type Channel struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	life sync.Mutex // serializes Start and Close

	mu      sync.Mutex
	conn    *websocket.Conn // the active connection; nil while down
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a channel. It does nothing until Start.
func New(opts Options, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Channel {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{Interval: DefaultDelay}
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.LastReceived == nil {
		opts.LastReceived = func() int64 { return 0 }
	}
	if m == nil {
		m = status.NewMachine(b)
	}
	return &Channel{opts: opts, bus: b, machine: m, logger: logging.OrNop(logger)}
}

// Start connects in the background and keeps reconnecting until Close or
// until ctx is canceled. Calling Start on a running channel is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.life.Lock()
	defer c.life.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		select {
		case <-c.stopped:
			// The previous run ended with its parent context.
			c.cancel()
		default:
			return
		}
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.stopped = make(chan struct{})
	go c.run(ctx, c.stopped)
}

// Close stops the channel without reconnecting and waits for it to wind
// down. A Start issued meanwhile waits for Close to finish.
func (c *Channel) Close() error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	cancel, stopped, conn := c.cancel, c.stopped, c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	<-stopped

	c.mu.Lock()
	c.cancel, c.stopped = nil, nil
	c.mu.Unlock()
	c.transition(status.Closed)
	return err
}

// Connected reports whether a connection is active.
func (c *Channel) Connected() bool {
	return c.active() != nil
}

// State returns the connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Send writes m as a JSON text frame on the active connection.
func (c *Channel) Send(ctx context.Context, m *model.Message) error {
	conn := c.active()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, m); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Channel) active() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
			c.logger.Warn("realtime connection lost", zap.Error(err))
			c.publish(bus.KindChannelDisconnected, Disconnect{Err: err})
		} else {
			c.logger.Warn("realtime connect failed", zap.Error(err), zap.Int("attempt", attempt))
		}

		delay := c.opts.Backoff.Delay(attempt)
		attempt++
		c.transition(status.Reconnecting)
		c.publish(bus.KindChannelReconnecting, Reconnect{Attempt: attempt, Delay: delay})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection from dial to drop. connected reports whether
// the handshake completed.
func (c *Channel) session(ctx context.Context) (connected bool, err error) {
	c.transition(status.Connecting)

	conn, _, err := websocket.Dial(ctx, c.opts.URL, c.opts.DialOptions)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(readLimit)

	initCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = wsjson.Write(initCtx, conn, model.InitFrame(c.opts.Token(), c.opts.LastReceived()))
	cancel()
	if err != nil {
		return false, fmt.Errorf("send init: %w", err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false, ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	c.transition(status.Connected)
	c.logger.Info("realtime connected", zap.String("url", c.opts.URL))
	c.publish(bus.KindChannelConnected, nil)

	go c.keepAlive(ctx, conn)

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	return true, err
}

// keepAlive pings while conn is still the active connection. It exits
// without a word once a newer connection replaced it.
func (c *Channel) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.active() != conn {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, model.PingFrame())
		cancel()
		if err != nil {
			c.logger.Debug("keep-alive ping failed", zap.Error(err))
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var m model.Message
	err := json.Unmarshal(data, &m)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		fe := &FrameError{Data: data, Err: err}
		c.logger.Warn("dropping inbound frame", zap.Error(fe))
		c.publish(bus.KindChannelFrameError, fe)
		return
	}

	switch m.Kind() {
	case model.KindTyping:
		c.publish(bus.KindChannelTyping, m)
	case model.KindReceipt:
		c.publish(bus.KindChannelReceipt, m)
	default:
		c.publish(bus.KindChannelMessage, m)
	}
}

func (c *Channel) transition(to status.State) {
	if c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func (c *Channel) publish(kind string, payload any) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, payload))
	}
}
