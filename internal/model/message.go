package model

import (
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	// ErrNoAuthor marks a content or typing message without an author id.
	ErrNoAuthor = errors.New("message has no author")
	// ErrNoMessageID marks a receipt that does not name a message.
	ErrNoMessageID = errors.New("receipt has no message id")
)

// Kind tells which of the multiplexed event types a Message carries.
type Kind string

const (
	KindContent Kind = "content"
	KindTyping  Kind = "typing"
	KindReceipt Kind = "receipt"
)

// Message is a chat message, typing signal or read receipt. The server
// multiplexes all three onto the same structure; Kind tells them apart.
type Message struct {
	ID          string            `json:"id,omitempty"`
	LocalID     string            `json:"localId,omitempty"`
	AuthorID    string            `json:"authorId,omitempty"`
	AuthorPhone string            `json:"authorPhone,omitempty"`
	SentTo      string            `json:"sentTo,omitempty"`
	Time        int64             `json:"time,omitempty"` // epoch ms
	Body        string            `json:"body,omitempty"`
	Media       map[string]string `json:"media,omitempty"`
	ViewedBy    []string          `json:"viewedBy,omitempty"`
	Typing      bool              `json:"typing,omitempty"`
}

// Kind classifies the message: a set typing flag wins over a non-empty
// viewer set, anything else is content.
func (m *Message) Kind() Kind {
	switch {
	case m.Typing:
		return KindTyping
	case len(m.ViewedBy) > 0:
		return KindReceipt
	default:
		return KindContent
	}
}

// Validate checks the fields the message's kind cannot do without.
func (m *Message) Validate() error {
	switch m.Kind() {
	case KindReceipt:
		if m.ID == "" {
			return ErrNoMessageID
		}
	default:
		if m.AuthorID == "" {
			return ErrNoAuthor
		}
	}
	return nil
}

// Timestamp returns Time as a time.Time. Zero when unset.
func (m *Message) Timestamp() time.Time {
	if m.Time == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Time)
}

// SameAs reports whether two messages refer to the same logical message,
// matching on server id first and local id second.
func (m *Message) SameAs(o *Message) bool {
	if m.ID != "" && o.ID != "" {
		return m.ID == o.ID
	}
	return m.LocalID != "" && m.LocalID == o.LocalID
}

// Clone returns a deep copy.
func (m *Message) Clone() Message {
	cp := *m
	cp.Media = maps.Clone(m.Media)
	cp.ViewedBy = slices.Clone(m.ViewedBy)
	return cp
}
