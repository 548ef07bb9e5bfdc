package session

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultSessionName)
	}

	cfg := []byte("default_session = \"work\"\n")
	if err := os.WriteFile(filepath.Join(home, "config.toml"), cfg, 0600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}

	t.Setenv(EnvSession, "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("Resolve() with env = %q, want env", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}

func TestList(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() on fresh home = %v, %v", names, err)
	}
	for _, n := range []string{"work", "main", "Bad Name"} {
		if err := os.MkdirAll(Dir(n), 0700); err != nil {
			t.Fatal(err)
		}
	}
	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"main", "work"}; !slices.Equal(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}
