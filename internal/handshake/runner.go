// Package handshake spawns plugin processes and drives the getmanifest
// exchange. It upholds the contract the coordinator depends on: every
// initiated handshake eventually reports success or failure, exactly once.
package handshake

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kmorwood/stevedore/internal/log"
	"github.com/kmorwood/stevedore/internal/protocol"
)

const (
	// DefaultManifestTimeout caps how long a plugin may take to answer
	// getmanifest before the handshake is failed.
	DefaultManifestTimeout = 60 * time.Second

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// proc is a plugin process that survived its handshake.
type proc struct {
	cmd    *exec.Cmd
	waitCh chan error
}

// handshakeState tracks an exchange between Initiate and its report. A
// Terminate that arrives while the handshake is still in flight records the
// kill here so the success path honors it instead of keeping the process.
type handshakeState struct {
	killed bool
	reason string
}

// Runner owns the plugin processes it has started. One Runner serves the
// whole host.
type Runner struct {
	// ManifestTimeout overrides DefaultManifestTimeout when set. Tests use
	// short values here.
	ManifestTimeout time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	procs    map[string]*proc
	inflight map[string]*handshakeState
}

func New() *Runner {
	return &Runner{
		logger:   log.WithComponent("handshake"),
		procs:    make(map[string]*proc),
		inflight: make(map[string]*handshakeState),
	}
}

// Initiate starts the executable at path and performs the manifest exchange
// asynchronously. report receives nil on success or the handshake error; it
// is invoked exactly once, from the handshake goroutine. A plugin that
// answers its manifest keeps running until Terminate.
func (r *Runner) Initiate(path string, report func(err error)) {
	r.mu.Lock()
	r.inflight[path] = &handshakeState{}
	r.mu.Unlock()
	go r.run(path, report)
}

// clearInflight drops path's handshake record. Called before every report so
// a later Initiate for the same path starts from a clean slate.
func (r *Runner) clearInflight(path string) {
	r.mu.Lock()
	delete(r.inflight, path)
	r.mu.Unlock()
}

func (r *Runner) run(path string, report func(err error)) {
	timeout := r.ManifestTimeout
	if timeout <= 0 {
		timeout = DefaultManifestTimeout
	}

	cmd := exec.Command(path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.clearInflight(path)
		report(fmt.Errorf("create stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.clearInflight(path)
		report(fmt.Errorf("create stdout pipe: %w", err))
		return
	}

	r.logger.Debug("spawning plugin", "path", path, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		r.clearInflight(path)
		report(fmt.Errorf("start process: %w", err))
		return
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	req := &protocol.Request{
		Protocol:   protocol.Version,
		ID:         uuid.NewString(),
		Command:    "getmanifest",
		DeadlineAt: time.Now().Add(timeout),
	}
	if err := protocol.EncodeRequest(stdin, req); err != nil {
		r.kill(cmd, waitCh)
		r.clearInflight(path)
		report(err)
		return
	}

	type decoded struct {
		manifest *protocol.Manifest
		err      error
	}
	decodeCh := make(chan decoded, 1)
	go func() {
		m, err := protocol.DecodeManifest(stdout)
		decodeCh <- decoded{manifest: m, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		r.logger.Warn("manifest handshake timed out", "path", path, "timeout", timeout)
		r.kill(cmd, waitCh)
		r.clearInflight(path)
		report(fmt.Errorf("getmanifest timed out after %v", timeout))
		return

	case d := <-decodeCh:
		if d.err != nil {
			r.kill(cmd, waitCh)
			r.clearInflight(path)
			report(d.err)
			return
		}

		r.mu.Lock()
		hs := r.inflight[path]
		delete(r.inflight, path)
		if hs != nil && hs.killed {
			// A Terminate raced the handshake. Honor the kill instead of
			// keeping a process nobody tracks anymore.
			r.mu.Unlock()
			r.logger.Info("plugin was stopped during its handshake, killing",
				"path", path, "reason", hs.reason)
			r.kill(cmd, waitCh)
			report(fmt.Errorf("stopped before handshake completed: %s", hs.reason))
			return
		}
		r.procs[path] = &proc{cmd: cmd, waitCh: waitCh}
		r.mu.Unlock()

		r.logger.Info("manifest handshake complete",
			"path", path, "plugin", d.manifest.Name, "version", d.manifest.Version)
		report(nil)
	}
}

// Terminate stops the running plugin at path: SIGTERM, a grace period, then
// SIGKILL. If path's handshake is still in flight the kill is recorded and
// applied when the exchange settles; paths the Runner has never seen are a
// no-op so callers need not track which entries ever produced a process.
func (r *Runner) Terminate(path string, reason string) {
	r.mu.Lock()
	p, ok := r.procs[path]
	if ok {
		delete(r.procs, path)
	} else if hs, pending := r.inflight[path]; pending {
		hs.killed = true
		hs.reason = reason
		r.mu.Unlock()
		r.logger.Info("kill recorded for in-flight handshake", "path", path, "reason", reason)
		return
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("terminating plugin", "path", path, "reason", reason)
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Error("failed to send SIGTERM", "path", path, "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-p.waitCh:
	case <-grace.C:
		r.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL", "path", path)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.waitCh
	}
}

// Running reports whether path currently has a live process.
func (r *Runner) Running(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[path]
	return ok
}

// kill forcibly stops a process that failed its handshake and reaps it.
func (r *Runner) kill(cmd *exec.Cmd, waitCh chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-waitCh
}
