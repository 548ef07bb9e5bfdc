// Package contacts is the in-memory contact cache. Every read, mutation and
// persistence write runs on one worker goroutine, so callers never observe a
// half-applied change.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrUnknownContact is returned when no contact matches a key.
	ErrUnknownContact = errors.New("unknown contact")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("contact cache closed")
)

// Store persists the full contact list.
type Store interface {
	LoadContacts() ([]*model.Contact, error)
	SaveContacts(contacts []*model.Contact) error
}

// Cache owns the contact list. Contacts handed out are deep copies.
type Cache struct {
	store  Store
	book   AddressBook
	logger *zap.Logger
	now    func() time.Time

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the worker goroutine
	contacts []*model.Contact
}

// New starts the cache worker. book may be nil.
func New(st Store, book AddressBook, logger *zap.Logger) *Cache {
	c := &Cache{
		store:  st,
		book:   book,
		logger: logging.OrNop(logger),
		now:    time.Now,
		ops:    make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Cache) run() {
	defer close(c.done)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.quit:
			return
		}
	}
}

// Close stops the worker. Pending calls fail with ErrClosed.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

// do runs fn on the worker and waits for its result.
func (c *Cache) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.ops <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load fills the cache from the contacts snapshot. Without a snapshot it
// imports the address book and persists the result; without either it
// starts empty.
func (c *Cache) Load(ctx context.Context) error {
	return c.do(ctx, func() error {
		list, err := c.store.LoadContacts()
		if err == nil {
			c.contacts = list
			c.logger.Info("contacts loaded", zap.Int("count", len(list)))
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load contacts: %w", err)
		}

		c.contacts = nil
		if c.book == nil {
			return nil
		}
		entries, err := c.book.Contacts()
		if err != nil {
			return fmt.Errorf("read address book: %w", err)
		}
		for _, e := range entries {
			if e.ID == "" && e.LocalID == "" {
				e.LocalID = uuid.NewString()
			}
			c.contacts = append(c.contacts, &e)
		}
		c.logger.Info("contacts imported from address book", zap.Int("count", len(entries)))
		return c.persist()
	})
}

// All returns every contact in cache order.
func (c *Cache) All(ctx context.Context) ([]*model.Contact, error) {
	var out []*model.Contact
	err := c.do(ctx, func() error {
		out = cloneAll(c.contacts)
		return nil
	})
	return out, err
}

// Get returns the contact named by key (id, local id or phone).
func (c *Cache) Get(ctx context.Context, key string) (*model.Contact, error) {
	var out *model.Contact
	err := c.do(ctx, func() error {
		ct := c.find(key)
		if ct == nil {
			return fmt.Errorf("%w: %s", ErrUnknownContact, key)
		}
		out = ct.Clone()
		return nil
	})
	return out, err
}

// FindByPhone returns the contact with the given phone number.
func (c *Cache) FindByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	var out *model.Contact
	err := c.do(ctx, func() error {
		for _, ct := range c.contacts {
			if phone != "" && ct.Phone == phone {
				out = ct.Clone()
				return nil
			}
		}
		return fmt.Errorf("%w: phone %s", ErrUnknownContact, phone)
	})
	return out, err
}

// Add inserts a contact. A contact already present under the same id or
// phone is updated with the new profile fields instead; its chat is kept.
func (c *Cache) Add(ctx context.Context, ct model.Contact) (*model.Contact, error) {
	var out *model.Contact
	err := c.do(ctx, func() error {
		existing := c.find(ct.ID)
		if existing == nil && ct.Phone != "" {
			existing = c.findPhone(ct.Phone)
		}
		if existing != nil {
			mergeProfile(existing, &ct)
			out = existing.Clone()
			return c.persist()
		}
		if ct.ID == "" && ct.LocalID == "" {
			ct.LocalID = uuid.NewString()
		}
		added := ct.Clone()
		c.contacts = append(c.contacts, added)
		out = added.Clone()
		return c.persist()
	})
	return out, err
}

// Update applies fn to the contact named by key and persists.
func (c *Cache) Update(ctx context.Context, key string, fn func(*model.Contact)) (*model.Contact, error) {
	var out *model.Contact
	err := c.do(ctx, func() error {
		ct := c.find(key)
		if ct == nil {
			return fmt.Errorf("%w: %s", ErrUnknownContact, key)
		}
		fn(ct)
		out = ct.Clone()
		return c.persist()
	})
	return out, err
}

// AppendInbound appends an inbound message to its conversation: the group
// named by SentTo when there is one, otherwise the author's contact. found
// is false when the author is not cached; nothing changes in that case.
func (c *Cache) AppendInbound(ctx context.Context, m model.Message) (found bool, out *model.Contact, err error) {
	err = c.do(ctx, func() error {
		ct := c.conversationFor(m)
		if ct == nil {
			return nil
		}
		found = true
		ct.AppendMessage(m, c.now())
		out = ct.Clone()
		return c.persist()
	})
	return found, out, err
}

// InsertResolved adds a freshly resolved author and appends m to it. When a
// contact with the same id showed up while the author was being resolved,
// m goes to that contact instead, so the author is only ever added once.
func (c *Cache) InsertResolved(ctx context.Context, author model.Contact, m model.Message) (created bool, out *model.Contact, err error) {
	err = c.do(ctx, func() error {
		ct := c.conversationFor(m)
		if ct == nil && author.ID != "" {
			ct = c.find(author.ID)
		}
		if ct == nil {
			author.Token = ""
			ct = author.Clone()
			ct.Chat = nil
			if ct.ID == "" && ct.LocalID == "" {
				ct.LocalID = uuid.NewString()
			}
			c.contacts = append(c.contacts, ct)
			created = true
		}
		ct.AppendMessage(m, c.now())
		out = ct.Clone()
		return c.persist()
	})
	return created, out, err
}

// AppendOutbound appends a locally composed message to the contact named by key.
func (c *Cache) AppendOutbound(ctx context.Context, key string, m model.Message) (*model.Contact, error) {
	var out *model.Contact
	err := c.do(ctx, func() error {
		ct := c.find(key)
		if ct == nil {
			return fmt.Errorf("%w: %s", ErrUnknownContact, key)
		}
		ct.AppendMessage(m, c.now())
		out = ct.Clone()
		return c.persist()
	})
	return out, err
}

// ReplaceMessage swaps the local copy of a message for the server's
// canonical copy. Reports whether the local copy was found.
func (c *Cache) ReplaceMessage(ctx context.Context, key, localID string, canonical model.Message) (bool, error) {
	var replaced bool
	err := c.do(ctx, func() error {
		ct := c.find(key)
		if ct == nil {
			return fmt.Errorf("%w: %s", ErrUnknownContact, key)
		}
		replaced = ct.ReplaceMessage(localID, canonical)
		return c.persist()
	})
	return replaced, err
}

// MarkViewed records viewers on the message a receipt refers to. Reports
// whether the message was found.
func (c *Cache) MarkViewed(ctx context.Context, receipt model.Message) (bool, error) {
	var marked bool
	err := c.do(ctx, func() error {
		for _, ct := range c.contacts {
			for i := range ct.Chat {
				if !ct.Chat[i].SameAs(&receipt) {
					continue
				}
				for _, v := range receipt.ViewedBy {
					if !slices.Contains(ct.Chat[i].ViewedBy, v) {
						ct.Chat[i].ViewedBy = append(ct.Chat[i].ViewedBy, v)
					}
				}
				marked = true
				return c.persist()
			}
		}
		return nil
	})
	return marked, err
}

// ChatList returns the contacts with any activity, oldest activity first.
func (c *Cache) ChatList(ctx context.Context) ([]*model.Contact, error) {
	var out []*model.Contact
	err := c.do(ctx, func() error {
		for _, ct := range c.contacts {
			if ct.HasActivity() {
				out = append(out, ct.Clone())
			}
		}
		slices.SortStableFunc(out, func(a, b *model.Contact) int {
			switch {
			case a.LastActivityTime < b.LastActivityTime:
				return -1
			case a.LastActivityTime > b.LastActivityTime:
				return 1
			}
			return 0
		})
		return nil
	})
	return out, err
}

func (c *Cache) conversationFor(m model.Message) *model.Contact {
	if g := c.find(m.SentTo); g != nil && g.IsGroup() {
		return g
	}
	if m.AuthorID == "" {
		return nil
	}
	for _, ct := range c.contacts {
		if ct.ID == m.AuthorID {
			return ct
		}
	}
	return nil
}

func (c *Cache) find(key string) *model.Contact {
	for _, ct := range c.contacts {
		if ct.MatchesKey(key) {
			return ct
		}
	}
	return nil
}

func (c *Cache) findPhone(phone string) *model.Contact {
	for _, ct := range c.contacts {
		if ct.Phone == phone {
			return ct
		}
	}
	return nil
}

func (c *Cache) persist() error {
	if err := c.store.SaveContacts(c.contacts); err != nil {
		c.logger.Error("failed to persist contacts", zap.Error(err))
		return fmt.Errorf("persist contacts: %w", err)
	}
	return nil
}

func mergeProfile(dst, src *model.Contact) {
	if src.ID != "" {
		dst.ID = src.ID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Tagline != "" {
		dst.Tagline = src.Tagline
	}
	if src.Phone != "" {
		dst.Phone = src.Phone
	}
	if len(src.Members) > 0 {
		dst.Members = slices.Clone(src.Members)
		dst.Admins = slices.Clone(src.Admins)
	}
}

func cloneAll(list []*model.Contact) []*model.Contact {
	out := make([]*model.Contact, len(list))
	for i, ct := range list {
		out[i] = ct.Clone()
	}
	return out
}
