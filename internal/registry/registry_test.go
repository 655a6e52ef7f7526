package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePlugin(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write plugin %s: %v", name, err)
	}
	return path
}

func TestRegisterDuplicatePath(t *testing.T) {
	t.Parallel()

	r := New()
	path := writePlugin(t, t.TempDir(), "echo")

	if _, err := r.Register(path, OriginDynamic); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := r.Register(path, OriginDynamic)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register: want ErrAlreadyRegistered, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegisterComputesChecksum(t *testing.T) {
	t.Parallel()

	r := New()
	path := writePlugin(t, t.TempDir(), "echo")

	e, err := r.Register(path, OriginDynamic)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Checksum(e) == "" {
		t.Fatal("checksum is empty for a readable binary")
	}
	if r.State(e) != StateRegistered {
		t.Fatalf("state = %s, want %s", r.State(e), StateRegistered)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	r := New()
	path := writePlugin(t, t.TempDir(), "echo")
	e, _ := r.Register(path, OriginDynamic)

	r.BeginHandshake(e)
	if r.State(e) != StateAwaitingManifest {
		t.Fatalf("state = %s, want %s", r.State(e), StateAwaitingManifest)
	}

	r.MarkActive(e)
	if r.State(e) != StateActive {
		t.Fatalf("state = %s, want %s", r.State(e), StateActive)
	}

	// Duplicate completion signal is a no-op.
	r.MarkActive(e)
	if r.State(e) != StateActive {
		t.Fatalf("state after repeat MarkActive = %s, want %s", r.State(e), StateActive)
	}
}

func TestMarkFailedRemovesEntry(t *testing.T) {
	t.Parallel()

	r := New()
	path := writePlugin(t, t.TempDir(), "echo")
	e, _ := r.Register(path, OriginDynamic)
	r.BeginHandshake(e)

	r.MarkFailed(e, "handshake exploded")

	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after failure", r.Len())
	}
	if r.FailureReason(e) != "handshake exploded" {
		t.Fatalf("failure reason = %q", r.FailureReason(e))
	}

	// The same path is admissible again.
	if _, err := r.Register(path, OriginDynamic); err != nil {
		t.Fatalf("re-Register after failure: %v", err)
	}
}

func TestKillByPathAndName(t *testing.T) {
	t.Parallel()

	r := New()
	path := writePlugin(t, t.TempDir(), "summer")
	e, _ := r.Register(path, OriginDynamic)
	r.BeginHandshake(e)
	r.MarkActive(e)

	var gotReason string
	r.BindTerminator(e, func(reason string) { gotReason = reason })

	killed, err := r.Kill("summer", "operator request")
	if err != nil {
		t.Fatalf("Kill by name: %v", err)
	}
	if killed.Path != path {
		t.Fatalf("killed %s, want %s", killed.Path, path)
	}
	if gotReason != "operator request" {
		t.Fatalf("terminator reason = %q", gotReason)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after kill", r.Len())
	}
}

func TestKillAmbiguousNameNotFound(t *testing.T) {
	t.Parallel()

	r := New()
	dirA := t.TempDir()
	dirB := t.TempDir()
	pathA := writePlugin(t, dirA, "echo")
	pathB := writePlugin(t, dirB, "echo")

	if _, err := r.Register(pathA, OriginDynamic); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(pathB, OriginDynamic); err != nil {
		t.Fatal(err)
	}

	// Ambiguous short name resolves to nothing.
	if _, err := r.Kill("echo", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ambiguous Kill: want ErrNotFound, got %v", err)
	}

	// Exact path still works.
	if _, err := r.Kill(pathA, "x"); err != nil {
		t.Fatalf("Kill by exact path: %v", err)
	}
}

func TestKillStaticRefused(t *testing.T) {
	t.Parallel()

	r := New()
	path := writePlugin(t, t.TempDir(), "boot")
	e, _ := r.Register(path, OriginStatic)
	r.BeginHandshake(e)
	r.MarkActive(e)

	if _, err := r.Kill("boot", "x"); !errors.Is(err, ErrNotDynamic) {
		t.Fatalf("Kill static: want ErrNotDynamic, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("static entry was removed")
	}
}

func TestKillUnknownNotFound(t *testing.T) {
	t.Parallel()

	r := New()
	if _, err := r.Kill("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := New()
	dir := t.TempDir()
	first := writePlugin(t, dir, "alpha")
	second := writePlugin(t, dir, "beta")

	ea, _ := r.Register(first, OriginDynamic)
	eb, _ := r.Register(second, OriginDynamic)
	r.BeginHandshake(ea)
	r.MarkActive(ea)
	r.BeginHandshake(eb)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].Name != "alpha" || !list[0].Active {
		t.Fatalf("list[0] = %+v, want active alpha", list[0])
	}
	if list[1].Name != "beta" || list[1].Active {
		t.Fatalf("list[1] = %+v, want inactive beta", list[1])
	}
}
