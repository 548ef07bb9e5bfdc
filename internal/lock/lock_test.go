package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Verify lock file exists and contains PID.
	data, err := os.ReadFile(tmpDir + "/LOCK")
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(data) == 0 {
		t.Error("lock file is empty")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Errorf("expected LockHeldError, got %T: %v", err, err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestHeldErrorNamesOwner(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	_, err = Acquire(tmpDir)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", held.PID, os.Getpid())
	}
	if held.Program == "" || held.Since.IsZero() {
		t.Errorf("owner = %+v, want program and time", held.Owner)
	}
}

func TestReadOwnerPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("pid=42\ngarbage\ntime=not-a-time\n"), 0600); err != nil {
		t.Fatal(err)
	}
	o := readOwner(path)
	if o.PID != 42 || o.Program != "" || !o.Since.IsZero() {
		t.Errorf("readOwner() = %+v, want PID 42 only", o)
	}
}

func TestProbe(t *testing.T) {
	tmpDir := t.TempDir()

	if owner, err := Probe(tmpDir); err != nil || owner != nil {
		t.Fatalf("Probe() on empty dir = %+v, err %v", owner, err)
	}

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	owner, err := Probe(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if owner == nil {
		t.Fatal("Probe() = not held while locked")
	}
	if owner.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", owner.PID, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if owner, _ := Probe(tmpDir); owner != nil {
		t.Error("Probe() = held after Release")
	}
}
