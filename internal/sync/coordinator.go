// Package sync reconciles realtime events and outbound sends with the
// contact cache, the outbound queue and the session.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrNotAuthenticated is returned by operations that need a signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrUnregistered is returned when sending to a contact without a server id.
	ErrUnregistered = errors.New("contact is not registered")
)

// Remote is the subset of the REST client the coordinator uses.
type Remote interface {
	SetToken(token string)
	Login(ctx context.Context, user *model.Contact) (*model.Contact, error)
	Signup(ctx context.Context, user *model.Contact) (*model.Contact, error)
	Update(ctx context.Context, user *model.Contact) (*model.Contact, error)
	Verify(ctx context.Context, userID, code string) (bool, error)
	SendMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	FindRegisteredUser(ctx context.Context, phone string) (*model.Contact, error)
	FindRegisteredUserByID(ctx context.Context, id string) (*model.Contact, error)
	AckMessage(ctx context.Context, messageID string) error
	UpdatePushKey(ctx context.Context, userID, key string) error
}

// Channel is the realtime connection as seen by the coordinator.
type Channel interface {
	Start(ctx context.Context)
	Close() error
	Connected() bool
	Send(ctx context.Context, m *model.Message) error
}

// Inbound is the payload of chat.message events.
type Inbound struct {
	ContactKey string
	NewContact bool
	Message    model.Message
}

// Typing is the payload of chat.typing events.
type Typing struct {
	ContactID string
}

// Viewed is the payload of chat.viewed events.
type Viewed struct {
	MessageID string
	ViewedBy  []string
}

// SendFailed is the payload of chat.send_failed events.
type SendFailed struct {
	ContactKey string
	LocalID    string
	Err        error
}

// Deps groups the coordinator's collaborators.
type Deps struct {
	Session    *session.Holder
	Remote     Remote
	Channel    Channel
	Contacts   *contacts.Cache
	Queue      *outbox.Queue
	Reconciler *Reconciler
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Coordinator runs a single loop over channel.* events and exposes the
// user-facing operations.
type Coordinator struct {
	Deps
	now func() time.Time

	mu      gosync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loop    chan struct{}
	workers gosync.WaitGroup

	// Messages from authors whose lookup is in flight, in arrival order.
	// A key exists while its resolver runs.
	pendingMu gosync.Mutex
	pending   map[string][]model.Message
}

// New creates a coordinator. Nothing runs until Start.
func New(d Deps) *Coordinator {
	d.Logger = logging.OrNop(d.Logger)
	if d.Session != nil {
		d.Remote.SetToken(d.Session.Token())
	}
	return &Coordinator{Deps: d, now: time.Now, pending: make(map[string][]model.Message)}
}

// Start subscribes to channel events and connects when a session exists.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.loop = make(chan struct{})
	ctx = c.ctx
	events, unsub := c.Bus.SubscribeReliable("channel.", 256)
	c.mu.Unlock()

	go func() {
		defer close(c.loop)
		defer unsub()
		for {
			select {
			case evt := <-events:
				c.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	if c.Session.Authenticated() {
		c.Channel.Start(ctx)
	}
}

// Stop closes the channel and waits for the loop and any author lookups.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, loop := c.cancel, c.loop
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	if err := c.Channel.Close(); err != nil {
		c.Logger.Debug("channel close", zap.Error(err))
	}
	cancel()
	<-loop
	c.workers.Wait()
}

func (c *Coordinator) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindChannelConnected:
		if _, err := c.Queue.Flush(ctx, c.Channel); err != nil {
			c.Logger.Warn("queue flush incomplete", zap.Error(err), zap.Int("remaining", c.Queue.Len()))
		}
	case bus.KindChannelMessage:
		m, ok := evt.Payload.(model.Message)
		if !ok {
			return
		}
		c.handleInbound(ctx, m)
	case bus.KindChannelTyping:
		m, ok := evt.Payload.(model.Message)
		if !ok {
			return
		}
		c.publish(bus.KindChatTyping, Typing{ContactID: m.AuthorID})
	case bus.KindChannelReceipt:
		m, ok := evt.Payload.(model.Message)
		if !ok {
			return
		}
		if _, err := c.Contacts.MarkViewed(ctx, m); err != nil {
			c.Logger.Warn("failed to record receipt", zap.Error(err), zap.String("msg_id", m.ID))
		}
		c.publish(bus.KindChatViewed, Viewed{MessageID: m.ID, ViewedBy: m.ViewedBy})
	}
}

func (c *Coordinator) handleInbound(ctx context.Context, m model.Message) {
	if err := m.Validate(); err != nil {
		c.Logger.Warn("dropping inbound message", zap.Error(err), zap.String("msg_id", m.ID))
		return
	}
	if err := c.Reconciler.Advance(m.Time); err != nil {
		c.Logger.Warn("failed to persist last received", zap.Error(err))
	}

	// Queue behind a lookup already running for this author.
	c.pendingMu.Lock()
	if q, ok := c.pending[m.AuthorID]; ok {
		c.pending[m.AuthorID] = append(q, m)
		c.pendingMu.Unlock()
		return
	}
	c.pendingMu.Unlock()

	found, ct, err := c.Contacts.AppendInbound(ctx, m)
	if err != nil {
		c.Logger.Error("failed to merge inbound message", zap.Error(err), zap.String("msg_id", m.ID))
		return
	}
	if found {
		c.delivered(ctx, ct.Key(), false, m)
		return
	}

	// Unknown author: resolve off the loop so other conversations are not
	// held up. Later messages from the same author wait in pending.
	c.pendingMu.Lock()
	c.pending[m.AuthorID] = []model.Message{m}
	c.pendingMu.Unlock()

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.resolveAuthor(ctx, m)
	}()
}

// resolveAuthor looks the author of m up once, then appends every message
// pending for that author in arrival order.
func (c *Coordinator) resolveAuthor(ctx context.Context, m model.Message) {
	author, err := c.Remote.FindRegisteredUserByID(ctx, m.AuthorID)
	if err != nil {
		c.Logger.Warn("author lookup failed, caching bare contact", zap.Error(err), zap.String("author", m.AuthorID))
	}
	if author == nil {
		author = &model.Contact{ID: m.AuthorID, Phone: m.AuthorPhone}
	}

	for {
		c.pendingMu.Lock()
		batch := c.pending[m.AuthorID]
		if len(batch) == 0 {
			delete(c.pending, m.AuthorID)
			c.pendingMu.Unlock()
			return
		}
		c.pending[m.AuthorID] = nil
		c.pendingMu.Unlock()

		for _, pm := range batch {
			created, ct, err := c.Contacts.InsertResolved(ctx, *author, pm)
			if err != nil {
				c.Logger.Error("failed to insert resolved author", zap.Error(err), zap.String("author", pm.AuthorID))
				continue
			}
			c.delivered(ctx, ct.Key(), created, pm)
		}
	}
}

// delivered acks a merged message and announces it.
func (c *Coordinator) delivered(ctx context.Context, key string, created bool, m model.Message) {
	if m.ID != "" {
		if err := c.Remote.AckMessage(ctx, m.ID); err != nil {
			c.Logger.Warn("ack failed", zap.Error(err), zap.String("msg_id", m.ID))
		}
	}
	c.publish(bus.KindChatMessage, Inbound{ContactKey: key, NewContact: created, Message: m})
}

// Send composes a message to the contact named by key. It is appended to
// the conversation right away; when the channel is up it is posted and the
// local copy swapped for the server's, otherwise it is queued.
func (c *Coordinator) Send(ctx context.Context, key, body string, media map[string]string) (*model.Message, error) {
	sess := c.Session.Get()
	if !sess.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	ct, err := c.Contacts.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ct.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, key)
	}

	m := model.Message{
		LocalID:     uuid.NewString(),
		AuthorID:    sess.UserID(),
		AuthorPhone: sess.User.Phone,
		SentTo:      ct.ID,
		Time:        c.now().UnixMilli(),
		Body:        body,
		Media:       media,
	}
	if _, err := c.Contacts.AppendOutbound(ctx, key, m); err != nil {
		return nil, err
	}

	if !c.Channel.Connected() {
		if err := c.Queue.Enqueue(m); err != nil {
			return nil, err
		}
		c.publish(bus.KindChatQueued, m)
		return &m, nil
	}

	canonical, err := c.Remote.SendMessage(ctx, &m)
	if err != nil {
		c.publish(bus.KindChatSendFailed, SendFailed{ContactKey: ct.Key(), LocalID: m.LocalID, Err: err})
		return nil, fmt.Errorf("send message: %w", err)
	}
	if _, err := c.Contacts.ReplaceMessage(ctx, ct.Key(), m.LocalID, *canonical); err != nil {
		return nil, err
	}
	c.publish(bus.KindChatSent, *canonical)
	return canonical, nil
}

// Signup registers phone with the server and stores the new session.
func (c *Coordinator) Signup(ctx context.Context, phone string) (*model.Session, error) {
	user, err := c.Remote.Signup(ctx, &model.Contact{Phone: phone})
	if err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	return c.signedIn(ctx, *user)
}

// Login signs in an existing user.
func (c *Coordinator) Login(ctx context.Context, user model.Contact) (*model.Session, error) {
	got, err := c.Remote.Login(ctx, &user)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c.signedIn(ctx, *got)
}

func (c *Coordinator) signedIn(ctx context.Context, user model.Contact) (*model.Session, error) {
	wasAuthenticated := c.Session.Authenticated()
	sess, err := c.Session.Set(user)
	if err != nil {
		return nil, err
	}
	c.Remote.SetToken(sess.Token())
	c.publish(bus.KindSessionChanged, sess.User.ID)

	c.mu.Lock()
	running := c.ctx
	c.mu.Unlock()
	if !wasAuthenticated && sess.Authenticated() && running != nil {
		c.Channel.Start(running)
	}
	return sess, nil
}

// Verify submits the SMS code. A wrong code is false, not an error.
func (c *Coordinator) Verify(ctx context.Context, code string) (bool, error) {
	id := c.Session.Get().UserID()
	if id == "" {
		return false, ErrNotAuthenticated
	}
	ok, err := c.Remote.Verify(ctx, id, code)
	if err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	return ok, nil
}

// UpdateProfile changes the user's display name and tagline.
func (c *Coordinator) UpdateProfile(ctx context.Context, name, tagline string) (*model.Session, error) {
	sess := c.Session.Get()
	if !sess.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	user := sess.User
	user.Name, user.Tagline = name, tagline
	got, err := c.Remote.Update(ctx, &user)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return c.signedIn(ctx, *got)
}

// UpdatePushKey registers the device push key for the signed-in user.
func (c *Coordinator) UpdatePushKey(ctx context.Context, key string) error {
	id := c.Session.Get().UserID()
	if id == "" {
		return ErrNotAuthenticated
	}
	if err := c.Remote.UpdatePushKey(ctx, id, key); err != nil {
		return fmt.Errorf("update push key: %w", err)
	}
	return nil
}

// Logout drops the session and closes the realtime channel.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.Channel.Close(); err != nil {
		c.Logger.Debug("channel close", zap.Error(err))
	}
	if err := c.Session.Clear(); err != nil {
		return err
	}
	c.Remote.SetToken("")
	c.publish(bus.KindSessionChanged, "")
	return nil
}

// FindContact looks phone up on the server and caches the contact when it
// is registered. Returns nil when it is not.
func (c *Coordinator) FindContact(ctx context.Context, phone string) (*model.Contact, error) {
	found, err := c.Remote.FindRegisteredUser(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	if found == nil {
		return nil, nil
	}
	found.Token = ""
	return c.Contacts.Add(ctx, *found)
}

// ChatList returns the conversations with activity, oldest first.
func (c *Coordinator) ChatList(ctx context.Context) ([]*model.Contact, error) {
	return c.Contacts.ChatList(ctx)
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.Bus != nil {
		c.Bus.Publish(bus.NewEvent(kind, payload))
	}
}
