// Package pending coordinates the fan-in of a control request that triggered
// an unknown number of asynchronous plugin registrations. A Batch resolves
// exactly once, when the last outstanding registration has reported, no
// matter how the reports interleave.
package pending

import (
	"sync"

	"github.com/google/uuid"
)

// Outcome is one plugin's result within a batch. Err is nil on success.
type Outcome struct {
	Path string
	Err  error
}

// Batch is a pending control request waiting on a fixed number of outcomes.
// It holds no state after resolution.
type Batch struct {
	id string

	mu       sync.Mutex
	expected int
	outcomes []Outcome
	done     bool
	resolve  func([]Outcome)
}

// Open creates a batch expecting n outcomes and invokes resolve exactly once
// when the n-th one lands. With n == 0 resolve runs synchronously and Open
// returns nil: there is nothing to wait on.
//
// resolve runs on whichever goroutine delivers the final outcome, so it must
// not call back into the batch.
func Open(n int, resolve func([]Outcome)) *Batch {
	if n <= 0 {
		resolve(nil)
		return nil
	}
	return &Batch{
		id:       uuid.NewString(),
		expected: n,
		outcomes: make([]Outcome, 0, n),
		resolve:  resolve,
	}
}

// ID is a correlation id for logging; it has no coordination role.
func (b *Batch) ID() string { return b.id }

// Success reports that path registered and became active.
func (b *Batch) Success(path string) {
	b.report(Outcome{Path: path})
}

// Fail reports that path failed to register.
func (b *Batch) Fail(path string, err error) {
	b.report(Outcome{Path: path, Err: err})
}

func (b *Batch) report(o Outcome) {
	b.mu.Lock()
	if b.done {
		// Late report after resolution; drop it.
		b.mu.Unlock()
		return
	}
	b.outcomes = append(b.outcomes, o)
	if len(b.outcomes) < b.expected {
		b.mu.Unlock()
		return
	}

	b.done = true
	outcomes := b.outcomes
	resolve := b.resolve
	b.resolve = nil
	b.mu.Unlock()

	// Run the resolution callback outside the lock. done is already set, so
	// a concurrent report can never reach this point again.
	resolve(outcomes)
}
