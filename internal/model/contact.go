package model

import (
	"slices"
	"time"
)

// Contact is a person or group with profile data and its message history.
// ID stays empty until the server confirms the contact is registered;
// local-only contacts are keyed by LocalID.
type Contact struct {
	ID               string    `json:"id,omitempty"`
	LocalID          string    `json:"localId,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	Name             string    `json:"name,omitempty"`
	Tagline          string    `json:"tagline,omitempty"`
	Token            string    `json:"token,omitempty"`
	Members          []string  `json:"members,omitempty"`
	Admins           []string  `json:"admins,omitempty"`
	MuteUntil        int64     `json:"muteUntil,omitempty"`
	CreatedBy        string    `json:"createdBy,omitempty"`
	CreationDate     int64     `json:"creationDate,omitempty"`
	LastActivityTime int64     `json:"lastActivityTime,omitempty"`
	Chat             []Message `json:"chat,omitempty"`
}

// Key returns the identifier the cache uses for this contact.
func (c *Contact) Key() string {
	switch {
	case c.ID != "":
		return c.ID
	case c.LocalID != "":
		return c.LocalID
	default:
		return c.Phone
	}
}

// MatchesKey reports whether key names this contact by id, local id or phone.
func (c *Contact) MatchesKey(key string) bool {
	if key == "" {
		return false
	}
	return c.ID == key || c.LocalID == key || c.Phone == key
}

// IsGroup reports whether the contact is a group chat.
func (c *Contact) IsGroup() bool {
	return len(c.Members) > 0
}

// IsMuted reports whether notifications are muted at now.
func (c *Contact) IsMuted(now time.Time) bool {
	return c.MuteUntil > now.UnixMilli()
}

// HasActivity reports whether the contact belongs in the chat list.
func (c *Contact) HasActivity() bool {
	return c.LastActivityTime != 0
}

// AppendMessage appends m to the chat and moves the last activity time to
// the message time, or to now when the message carries none.
func (c *Contact) AppendMessage(m Message, now time.Time) {
	c.Chat = append(c.Chat, m)
	if m.Time != 0 {
		c.LastActivityTime = m.Time
	} else {
		c.LastActivityTime = now.UnixMilli()
	}
}

// ReplaceMessage swaps the client copy identified by localID for the
// server's canonical copy at the same position. Returns false and appends
// the canonical copy when no client copy is found.
func (c *Contact) ReplaceMessage(localID string, canonical Message) bool {
	for i := range c.Chat {
		if localID != "" && c.Chat[i].LocalID == localID {
			if canonical.LocalID == "" {
				canonical.LocalID = localID
			}
			c.Chat[i] = canonical
			return true
		}
	}
	c.Chat = append(c.Chat, canonical)
	return false
}

// Clone returns a deep copy.
func (c *Contact) Clone() *Contact {
	cp := *c
	cp.Members = slices.Clone(c.Members)
	cp.Admins = slices.Clone(c.Admins)
	if c.Chat != nil {
		cp.Chat = make([]Message, len(c.Chat))
		for i := range c.Chat {
			cp.Chat[i] = c.Chat[i].Clone()
		}
	}
	return &cp
}

// Session is the authenticated user's own Contact record. The auth token
// travels in the Token field exactly like the server returns it.
type Session struct {
	User Contact
}

// Authenticated reports whether the session carries a token.
func (s *Session) Authenticated() bool {
	return s != nil && s.User.Token != ""
}

// Token returns the auth token, empty for a nil session.
func (s *Session) Token() string {
	if s == nil {
		return ""
	}
	return s.User.Token
}

// UserID returns the server id of the user, empty for a nil session.
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}
