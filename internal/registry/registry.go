// Package registry is the single source of truth for which plugins the host
// knows about and what lifecycle state each one is in. All mutation goes
// through the Registry; no other component caches plugin state.
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// State is a plugin's lifecycle state.
type State string

const (
	// StateRegistered means the plugin is known but its process has not been
	// started yet.
	StateRegistered State = "registered"
	// StateAwaitingManifest means the manifest handshake is in flight.
	StateAwaitingManifest State = "awaiting_manifest"
	// StateActive means the handshake completed and the plugin is running.
	StateActive State = "active"
	// StateFailed means the handshake failed; the entry is removed so the
	// same path can be retried.
	StateFailed State = "failed"
	// StateKilled means the plugin was stopped through the control surface.
	StateKilled State = "killed"
)

// Origin says how a plugin entered the registry.
type Origin string

const (
	// OriginDynamic plugins were started through the control surface and may
	// be stopped through it.
	OriginDynamic Origin = "dynamic"
	// OriginStatic plugins were configured at startup and are immutable from
	// the control surface.
	OriginStatic Origin = "static"
)

var (
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotFound          = errors.New("plugin not found")
	ErrNotDynamic        = errors.New("plugin cannot be managed while the host is up")
)

// Entry is one known plugin. The Registry owns every Entry; callers hold the
// reference returned by Register but read state through Registry methods.
type Entry struct {
	Path   string
	Name   string // basename of Path, used for short-name lookups
	Origin Origin

	state    State
	checksum string
	failure  string

	// terminate, when bound, stops the plugin's running process. Invoked by
	// Kill outside the registry lock.
	terminate func(reason string)
}

// Status is one row of the aggregate plugin list.
type Status struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Registry tracks plugin entries in registration order. Safe for concurrent
// use; a single mutex is fine at this scale.
type Registry struct {
	mu      sync.Mutex
	entries []*Entry
	byPath  map[string]*Entry
}

func New() *Registry {
	return &Registry{
		byPath: make(map[string]*Entry),
	}
}

// Register inserts a new entry for path in state Registered. A second
// registration for a path already present fails with ErrAlreadyRegistered
// and leaves the registry untouched.
func (r *Registry) Register(path string, origin Origin) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPath[path]; ok {
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyRegistered)
	}

	e := &Entry{
		Path:     path,
		Name:     filepath.Base(path),
		Origin:   origin,
		state:    StateRegistered,
		checksum: fingerprint(path),
	}
	r.byPath[path] = e
	r.entries = append(r.entries, e)
	return e, nil
}

// BeginHandshake transitions Registered -> AwaitingManifest. The caller must
// hold an Entry obtained from a successful Register.
func (r *Registry) BeginHandshake(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state == StateRegistered {
		e.state = StateAwaitingManifest
	}
}

// BindTerminator attaches the function Kill uses to stop e's process.
func (r *Registry) BindTerminator(e *Entry, fn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.terminate = fn
}

// MarkActive transitions AwaitingManifest -> Active. Calling it again for an
// already-active entry is a no-op, which guards against duplicate completion
// signals from the handshake.
func (r *Registry) MarkActive(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state == StateAwaitingManifest {
		e.state = StateActive
	}
}

// MarkFailed transitions any non-terminal state to Failed and removes the
// entry so the same path can be registered again later.
func (r *Registry) MarkFailed(e *Entry, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state == StateFailed || e.state == StateKilled {
		return
	}
	e.state = StateFailed
	e.failure = reason
	r.removeLocked(e)
}

// Kill stops the plugin identified by nameOrPath: exact path match first,
// then unique basename. Fails ErrNotFound when absent or when the short name
// is ambiguous, ErrNotDynamic for entries configured at startup. On success
// the entry is removed and its bound terminator is invoked with reason.
func (r *Registry) Kill(nameOrPath, reason string) (*Entry, error) {
	r.mu.Lock()
	e := r.lookupLocked(nameOrPath)
	if e == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", nameOrPath, ErrNotFound)
	}
	if e.Origin != OriginDynamic {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", nameOrPath, ErrNotDynamic)
	}
	e.state = StateKilled
	r.removeLocked(e)
	terminate := e.terminate
	r.mu.Unlock()

	// Signal the process outside the lock; terminators may block briefly.
	if terminate != nil {
		terminate(reason)
	}
	return e, nil
}

// List returns a snapshot in registration order. Active is true iff the
// entry completed its handshake.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{Name: e.Name, Active: e.state == StateActive})
	}
	return out
}

// State returns e's current lifecycle state.
func (r *Registry) State(e *Entry) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.state
}

// Checksum returns the blake3 fingerprint of the plugin executable recorded
// at registration, or "" if the file could not be read.
func (r *Registry) Checksum(e *Entry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.checksum
}

// FailureReason returns the reason recorded by MarkFailed, if any.
func (r *Registry) FailureReason(e *Entry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.failure
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// lookupLocked resolves nameOrPath in two phases: exact path match, then
// basename match. An ambiguous basename resolves to nothing rather than
// arbitrarily picking an entry.
func (r *Registry) lookupLocked(nameOrPath string) *Entry {
	if e, ok := r.byPath[nameOrPath]; ok {
		return e
	}

	var match *Entry
	for _, e := range r.entries {
		if e.Name != nameOrPath {
			continue
		}
		if match != nil {
			return nil
		}
		match = e
	}
	return match
}

func (r *Registry) removeLocked(e *Entry) {
	delete(r.byPath, e.Path)
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// fingerprint hashes the file at path with blake3. Returns "" when the file
// cannot be read; registration does not fail on an unreadable binary because
// the handshake will surface that error anyway.
func fingerprint(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
