package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/matheus3301/chatsync/internal/model"
)

// Snapshots encodes the session, outbound queue and contact cache as JSON
// documents on top of a Backend.
type Snapshots struct {
	backend Backend
}

// NewSnapshots wraps a backend.
func NewSnapshots(b Backend) *Snapshots {
	return &Snapshots{backend: b}
}

// LoadSession returns the persisted session, or nil when the user never
// logged in on this device.
func (s *Snapshots) LoadSession() (*model.Session, error) {
	var user model.Contact
	found, err := s.load(SessionSnapshot, &user)
	if err != nil || !found {
		return nil, err
	}
	return &model.Session{User: user}, nil
}

// SaveSession overwrites the session snapshot.
func (s *Snapshots) SaveSession(sess *model.Session) error {
	if sess == nil {
		return s.ClearSession()
	}
	return s.save(SessionSnapshot, sess.User)
}

// ClearSession removes the session snapshot.
func (s *Snapshots) ClearSession() error {
	return s.backend.DeleteBlob(SessionSnapshot)
}

// LoadQueue returns the persisted outbound queue, empty when none exists.
func (s *Snapshots) LoadQueue() ([]model.Message, error) {
	var msgs []model.Message
	if _, err := s.load(QueueSnapshot, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SaveQueue overwrites the queue snapshot.
func (s *Snapshots) SaveQueue(msgs []model.Message) error {
	if msgs == nil {
		msgs = []model.Message{}
	}
	return s.save(QueueSnapshot, msgs)
}

// LoadContacts returns the persisted contact list. ErrNotFound tells the
// caller no snapshot was ever written.
func (s *Snapshots) LoadContacts() ([]*model.Contact, error) {
	var contacts []*model.Contact
	found, err := s.load(ContactsSnapshot, &contacts)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return contacts, nil
}

// SaveContacts overwrites the contact snapshot.
func (s *Snapshots) SaveContacts(contacts []*model.Contact) error {
	if contacts == nil {
		contacts = []*model.Contact{}
	}
	return s.save(ContactsSnapshot, contacts)
}

// LastReceived returns the time (epoch ms) of the last content message
// received over the realtime channel, 0 when none.
func (s *Snapshots) LastReceived() (int64, error) {
	v, err := s.backend.GetCheckpoint(LastReceivedKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", LastReceivedKey, err)
	}
	return ts, nil
}

// SetLastReceived records the high-water mark sent in the next init frame.
func (s *Snapshots) SetLastReceived(ts int64) error {
	return s.backend.SetCheckpoint(LastReceivedKey, strconv.FormatInt(ts, 10))
}

func (s *Snapshots) load(name string, v any) (bool, error) {
	data, err := s.backend.ReadBlob(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Snapshots) save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.backend.WriteBlob(name, data)
}
