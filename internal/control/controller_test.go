package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kmorwood/stevedore/internal/registry"
)

// fakeHandshaker reports each initiated handshake from its own goroutine,
// succeeding unless the path is listed in failWith. Terminations are recorded
// for assertions.
type fakeHandshaker struct {
	mu         sync.Mutex
	failWith   map[string]error
	initiated  []string
	terminated []string
}

func newFakeHandshaker() *fakeHandshaker {
	return &fakeHandshaker{failWith: make(map[string]error)}
}

func (f *fakeHandshaker) Initiate(path string, report func(err error)) {
	f.mu.Lock()
	f.initiated = append(f.initiated, path)
	err := f.failWith[path]
	f.mu.Unlock()
	go report(err)
}

func (f *fakeHandshaker) Terminate(path string, reason string) {
	f.mu.Lock()
	f.terminated = append(f.terminated, path)
	f.mu.Unlock()
}

func (f *fakeHandshaker) terminatedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

// testController wires a controller over an in-memory filesystem: dirs maps
// directory -> candidate paths, and every candidate is "executable" unless
// listed in notExec.
func testController(hs Handshaker, dirs map[string][]string, notExec map[string]bool, defaultDir string) (*Controller, *registry.Registry) {
	reg := registry.New()
	scan := func(dir string) ([]string, error) {
		paths, ok := dirs[dir]
		if !ok {
			return nil, fmt.Errorf("open %s: permission denied", dir)
		}
		return paths, nil
	}
	isExec := func(path string) bool { return !notExec[path] }
	return New(reg, hs, scan, isExec, defaultDir, nil, nil), reg
}

func TestStartSuccess(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, reg := testController(hs, nil, nil, "")

	list, err := c.Start(context.Background(), "/plugins/echo")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(list) != 1 || list[0].Name != "echo" || !list[0].Active {
		t.Fatalf("list = %+v, want one active echo", list)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry Len = %d, want 1", reg.Len())
	}
}

func TestStartNotExecutable(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, reg := testController(hs, nil, map[string]bool{"/plugins/echo": true}, "")

	_, err := c.Start(context.Background(), "/plugins/echo")
	if !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("want ErrNotExecutable, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatal("non-executable candidate was registered")
	}
}

func TestStartDuplicate(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, _ := testController(hs, nil, nil, "")

	if _, err := c.Start(context.Background(), "/plugins/echo"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := c.Start(context.Background(), "/plugins/echo")
	if !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("want ErrAlreadyRegistered, got %v", err)
	}
}

func TestStartHandshakeFailureFailsRequest(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	hs.failWith["/plugins/bad"] = errors.New("no manifest")
	c, reg := testController(hs, nil, nil, "")

	_, err := c.Start(context.Background(), "/plugins/bad")
	if err == nil {
		t.Fatal("expected error")
	}
	// The surfaced error names the offending path.
	if got := err.Error(); got != "/plugins/bad: no manifest" {
		t.Fatalf("error = %q", got)
	}
	// The failed entry is discarded so the path can be retried.
	if reg.Len() != 0 {
		t.Fatalf("registry Len = %d, want 0", reg.Len())
	}
	_, err = c.Start(context.Background(), "/plugins/bad")
	if err == nil {
		t.Fatal("retry should still fail the handshake")
	}
	if errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("retry was refused as already registered: %v", err)
	}
}

func TestStartDirUnreadable(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, _ := testController(hs, map[string][]string{}, nil, "")

	_, err := c.StartDir(context.Background(), "/no/such/dir")
	if !errors.Is(err, ErrDirUnreadable) {
		t.Fatalf("want ErrDirUnreadable, got %v", err)
	}
}

func TestStartDirAbsorbsIndividualFailures(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	hs.failWith["/p/bad"] = errors.New("broken")
	dirs := map[string][]string{
		"/p": {"/p/good", "/p/bad", "/p/also-good"},
	}
	c, reg := testController(hs, dirs, nil, "")

	list, err := c.StartDir(context.Background(), "/p")
	if err != nil {
		t.Fatalf("StartDir: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v, want the two survivors", list)
	}
	for _, p := range list {
		if !p.Active {
			t.Fatalf("plugin %s not active", p.Name)
		}
	}
	if reg.Len() != 2 {
		t.Fatalf("registry Len = %d, want 2", reg.Len())
	}
}

func TestStartDirSkipsRegisteredAndNonExecutable(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	dirs := map[string][]string{
		"/p": {"/p/known", "/p/data", "/p/fresh"},
	}
	c, _ := testController(hs, dirs, map[string]bool{"/p/data": true}, "")

	if _, err := c.Start(context.Background(), "/p/known"); err != nil {
		t.Fatalf("seed Start: %v", err)
	}

	list, err := c.StartDir(context.Background(), "/p")
	if err != nil {
		t.Fatalf("StartDir: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v, want known + fresh", list)
	}

	hs.mu.Lock()
	initiated := append([]string(nil), hs.initiated...)
	hs.mu.Unlock()
	if len(initiated) != 2 {
		t.Fatalf("initiated = %v, want exactly known then fresh", initiated)
	}
}

func TestStartDirAllKnownResolvesImmediately(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	dirs := map[string][]string{"/p": {"/p/known"}}
	c, _ := testController(hs, dirs, nil, "")

	if _, err := c.Start(context.Background(), "/p/known"); err != nil {
		t.Fatal(err)
	}

	// Zero admitted candidates: the request must still resolve.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := c.StartDir(ctx, "/p")
	if err != nil {
		t.Fatalf("StartDir: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestRescanUnreadableDefaultDirSucceeds(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, _ := testController(hs, map[string][]string{}, nil, "/missing")

	list, err := c.Rescan(context.Background())
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("list = %+v, want empty", list)
	}
}

func TestRescanPicksUpNewCandidates(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	dirs := map[string][]string{"/default": {"/default/one", "/default/two"}}
	c, _ := testController(hs, dirs, nil, "/default")

	list, err := c.Rescan(context.Background())
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v, want 2", list)
	}

	// A second rescan admits nothing new and still succeeds.
	list, err = c.Rescan(context.Background())
	if err != nil {
		t.Fatalf("second Rescan: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("second list = %+v, want 2", list)
	}
}

func TestStopTerminatesAndConfirms(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, reg := testController(hs, nil, nil, "")

	if _, err := c.Start(context.Background(), "/p/echo"); err != nil {
		t.Fatal(err)
	}

	msg, err := c.Stop(context.Background(), "echo")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if msg != "Successfully stopped echo." {
		t.Fatalf("confirmation = %q", msg)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry Len = %d, want 0", reg.Len())
	}
	if got := hs.terminatedPaths(); len(got) != 1 || got[0] != "/p/echo" {
		t.Fatalf("terminated = %v", got)
	}
}

func TestStopUnknown(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, _ := testController(hs, nil, nil, "")

	if _, err := c.Stop(context.Background(), "ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStopStaticRefused(t *testing.T) {
	t.Parallel()

	hs := newFakeHandshaker()
	c, _ := testController(hs, nil, nil, "")

	if _, err := c.StartStatic(context.Background(), []string{"/boot/core"}); err != nil {
		t.Fatalf("StartStatic: %v", err)
	}
	if _, err := c.Stop(context.Background(), "core"); !errors.Is(err, registry.ErrNotDynamic) {
		t.Fatalf("want ErrNotDynamic, got %v", err)
	}
}

func TestStartContextCancelled(t *testing.T) {
	t.Parallel()

	// A handshaker that never reports. The caller must still be released by
	// its context.
	hs := &stuckHandshaker{}
	reg := registry.New()
	c := New(reg, hs, func(string) ([]string, error) { return nil, nil },
		func(string) bool { return true }, "", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Start(ctx, "/p/slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

type stuckHandshaker struct{}

func (stuckHandshaker) Initiate(path string, report func(err error)) {}
func (stuckHandshaker) Terminate(path string, reason string)         {}
