package session

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
)

func testStore(t *testing.T) *store.Snapshots {
	t.Helper()
	fb, err := store.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store.NewSnapshots(fb)
}

func TestHolderStartsSignedOut(t *testing.T) {
	h, err := NewHolder(testStore(t))
	if err != nil {
		t.Fatal(err)
	}
	if h.Authenticated() || h.Get() != nil || h.Token() != "" {
		t.Error("fresh holder should be signed out")
	}
}

func TestHolderSetPersistsAndKeepsToken(t *testing.T) {
	st := testStore(t)
	h, err := NewHolder(st)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Set(model.Contact{ID: "u1", Phone: "1", Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	got, err := h.Set(model.Contact{ID: "u1", Phone: "1", Name: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Token() != "tok" || got.User.Name != "Ana" {
		t.Errorf("session = %+v", got.User)
	}

	reloaded, err := NewHolder(st)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Token() != "tok" {
		t.Errorf("reloaded token = %q, want tok", reloaded.Token())
	}

	if err := h.Clear(); err != nil {
		t.Fatal(err)
	}
	if h.Authenticated() {
		t.Error("still authenticated after Clear")
	}
	sess, err := st.LoadSession()
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil {
		t.Error("session snapshot not removed")
	}
}
