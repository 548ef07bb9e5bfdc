package store

import "errors"

// ErrNotFound is returned when a snapshot or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot names. The file backend uses them as file names.
const (
	SessionSnapshot  = "user.json"
	QueueSnapshot    = "message_queue.json"
	ContactsSnapshot = "contacts.json"
	prefsSnapshot    = "prefs.json"
)

// Checkpoint keys.
const (
	LastReceivedKey = "LastReceivedMessage"
)

// Backend stores whole snapshot documents and small checkpoint values.
// Every write replaces the previous value; there are no partial updates
// and no transactions spanning more than one call.
type Backend interface {
	ReadBlob(name string) ([]byte, error)
	WriteBlob(name string, data []byte) error
	DeleteBlob(name string) error
	GetCheckpoint(key string) (string, error)
	SetCheckpoint(key, value string) error
}
