package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/chatsync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "session"))
	if err != nil {
		t.Fatal(err)
	}
	return fb
}

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("file", func(t *testing.T) { fn(t, testFileBackend(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, testDB(t)) })
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMigrateReportsVersions(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 1 || !result.Changed {
		t.Errorf("result = %+v, want 0 -> 1 changed", *result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		if _, err := b.ReadBlob("missing.json"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ReadBlob(missing) error = %v, want ErrNotFound", err)
		}
		if err := b.WriteBlob("a.json", []byte(`[1]`)); err != nil {
			t.Fatal(err)
		}
		if err := b.WriteBlob("a.json", []byte(`[1,2]`)); err != nil {
			t.Fatal(err)
		}
		got, err := b.ReadBlob("a.json")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `[1,2]` {
			t.Errorf("ReadBlob = %s, want overwritten snapshot", got)
		}
		if err := b.DeleteBlob("a.json"); err != nil {
			t.Fatal(err)
		}
		if err := b.DeleteBlob("a.json"); err != nil {
			t.Errorf("second DeleteBlob error = %v, want nil", err)
		}
		if _, err := b.ReadBlob("a.json"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ReadBlob after delete error = %v, want ErrNotFound", err)
		}
	})
}

func TestCheckpoints(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		if _, err := b.GetCheckpoint("k"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetCheckpoint(missing) error = %v, want ErrNotFound", err)
		}
		if err := b.SetCheckpoint("k", "1"); err != nil {
			t.Fatal(err)
		}
		if err := b.SetCheckpoint("other", "x"); err != nil {
			t.Fatal(err)
		}
		if err := b.SetCheckpoint("k", "2"); err != nil {
			t.Fatal(err)
		}
		v, err := b.GetCheckpoint("k")
		if err != nil {
			t.Fatal(err)
		}
		if v != "2" {
			t.Errorf("checkpoint = %q, want 2", v)
		}
	})
}

func TestSessionSnapshot(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		s := NewSnapshots(b)

		sess, err := s.LoadSession()
		if err != nil {
			t.Fatal(err)
		}
		if sess != nil {
			t.Fatalf("LoadSession() = %+v on empty store, want nil", sess)
		}

		want := &model.Session{User: model.Contact{ID: "u1", Phone: "+1555", Token: "tok"}}
		if err := s.SaveSession(want); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadSession()
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.Token() != "tok" || got.UserID() != "u1" {
			t.Errorf("LoadSession() = %+v", got)
		}

		if err := s.ClearSession(); err != nil {
			t.Fatal(err)
		}
		if got, _ := s.LoadSession(); got != nil {
			t.Errorf("LoadSession() after clear = %+v, want nil", got)
		}
	})
}

func TestQueueSnapshot(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		s := NewSnapshots(b)

		q, err := s.LoadQueue()
		if err != nil {
			t.Fatal(err)
		}
		if len(q) != 0 {
			t.Fatalf("LoadQueue() = %v on empty store", q)
		}

		msgs := []model.Message{{LocalID: "1", Body: "a"}, {LocalID: "2", Body: "b"}}
		if err := s.SaveQueue(msgs); err != nil {
			t.Fatal(err)
		}
		q, err = s.LoadQueue()
		if err != nil {
			t.Fatal(err)
		}
		if len(q) != 2 || q[0].Body != "a" || q[1].Body != "b" {
			t.Errorf("LoadQueue() = %+v, want a,b in order", q)
		}

		if err := s.SaveQueue(nil); err != nil {
			t.Fatal(err)
		}
		raw, err := b.ReadBlob(QueueSnapshot)
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != "[]" {
			t.Errorf("empty queue snapshot = %s, want []", raw)
		}
	})
}

func TestContactsSnapshot(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		s := NewSnapshots(b)

		if _, err := s.LoadContacts(); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadContacts() error = %v, want ErrNotFound", err)
		}

		contacts := []*model.Contact{
			{ID: "u1", Name: "Ana", LastActivityTime: 10, Chat: []model.Message{{ID: "m1", Body: "hi"}}},
			{LocalID: "l2", Name: "Bo"},
		}
		if err := s.SaveContacts(contacts); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadContacts()
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].Chat[0].Body != "hi" || got[1].LocalID != "l2" {
			t.Errorf("LoadContacts() = %+v", got)
		}
	})
}

func TestLastReceived(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		s := NewSnapshots(b)
		ts, err := s.LastReceived()
		if err != nil {
			t.Fatal(err)
		}
		if ts != 0 {
			t.Errorf("LastReceived() = %d on empty store, want 0", ts)
		}
		if err := s.SetLastReceived(1700000000123); err != nil {
			t.Fatal(err)
		}
		ts, err = s.LastReceived()
		if err != nil {
			t.Fatal(err)
		}
		if ts != 1700000000123 {
			t.Errorf("LastReceived() = %d", ts)
		}
	})
}

func TestFileBackendPermissions(t *testing.T) {
	fb := testFileBackend(t)
	if err := fb.WriteBlob(SessionSnapshot, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(fb.Dir(), SessionSnapshot))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("snapshot permission = %o, want 0600", perm)
	}
	if tmps, _ := filepath.Glob(filepath.Join(fb.Dir(), "*.tmp")); len(tmps) != 0 {
		t.Errorf("temp files left behind after write: %v", tmps)
	}
}

func TestFileBackendConcurrentWrites(t *testing.T) {
	fb := testFileBackend(t)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- fb.WriteBlob(QueueSnapshot, []byte(fmt.Sprintf(`[{"localId":"%d"}]`, i)))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("WriteBlob() error = %v", err)
		}
	}

	// Whichever write won, the file holds one complete document.
	msgs, err := NewSnapshots(fb).LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("LoadQueue() = %d messages, want 1", len(msgs))
	}
	if tmps, _ := filepath.Glob(filepath.Join(fb.Dir(), "*.tmp")); len(tmps) != 0 {
		t.Errorf("temp files left behind: %v", tmps)
	}
}

func TestCorruptSnapshotIsAnError(t *testing.T) {
	fb := testFileBackend(t)
	if err := fb.WriteBlob(QueueSnapshot, []byte(`{not json`)); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSnapshots(fb).LoadQueue(); err == nil {
		t.Error("LoadQueue() on corrupt snapshot returned nil error")
	}
}
