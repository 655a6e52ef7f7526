// Package control maps the plugin control operations (start, startdir,
// rescan, stop, list) onto the registry and the pending-batch coordinator.
// Operations that fan out asynchronous handshakes suspend the caller until
// their batch resolves; stop and list return synchronously.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kmorwood/stevedore/internal/log"
	"github.com/kmorwood/stevedore/internal/pending"
	"github.com/kmorwood/stevedore/internal/registry"
)

var (
	ErrNotExecutable = errors.New("not executable")
	ErrDirUnreadable = errors.New("could not open directory")
)

// KillReason is the human-readable cause recorded when a plugin is stopped
// through the control surface.
const KillReason = "stopped by stevedore via API"

// Handshaker is the manifest-exchange collaborator. Its contract: every
// Initiate eventually invokes report exactly once; a handshake that neither
// completes nor fails would leak a pending batch forever.
type Handshaker interface {
	Initiate(path string, report func(err error))
	Terminate(path string, reason string)
}

// Recorder persists lifecycle transitions. May be nil.
type Recorder interface {
	Record(ctx context.Context, plugin, path, event, detail string) error
}

// Publisher fans lifecycle events out to live observers. May be nil.
type Publisher interface {
	Publish(eventType string, data any)
}

// Controller is the control router. All plugin state lives in the registry;
// the controller only sequences operations against it.
type Controller struct {
	reg        *registry.Registry
	hs         Handshaker
	scan       func(dir string) ([]string, error)
	isExec     func(path string) bool
	defaultDir string
	journal    Recorder
	events     Publisher
	logger     *slog.Logger
}

// New wires a controller. scan and isExec are the external filesystem
// collaborators; defaultDir is the implicit directory rescan looks at.
func New(
	reg *registry.Registry,
	hs Handshaker,
	scan func(dir string) ([]string, error),
	isExec func(path string) bool,
	defaultDir string,
	journal Recorder,
	events Publisher,
) *Controller {
	return &Controller{
		reg:        reg,
		hs:         hs,
		scan:       scan,
		isExec:     isExec,
		defaultDir: defaultDir,
		journal:    journal,
		events:     events,
		logger:     log.WithComponent("control"),
	}
}

// Start registers and launches a single plugin. The call suspends until the
// handshake reports; a failed handshake fails the whole request.
func (c *Controller) Start(ctx context.Context, path string) ([]registry.Status, error) {
	if !c.isExec(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotExecutable)
	}

	e, err := c.reg.Register(path, registry.OriginDynamic)
	if err != nil {
		return nil, err
	}
	c.record(ctx, e, "registered", "")

	type result struct {
		list []registry.Status
		err  error
	}
	resCh := make(chan result, 1)
	batch := pending.Open(1, func(outcomes []pending.Outcome) {
		for _, o := range outcomes {
			if o.Err != nil {
				resCh <- result{err: o.Err}
				return
			}
		}
		resCh <- result{list: c.reg.List()}
	})

	c.launch(e, batch)

	select {
	case <-ctx.Done():
		// The batch still resolves when the handshake reports; only the
		// caller stops waiting for it.
		return nil, ctx.Err()
	case r := <-resCh:
		return r.list, r.err
	}
}

// StartDir launches every admissible executable in dir. Candidates already
// registered are skipped silently. Individual handshake failures are
// absorbed: the failing entries are discarded but the request still succeeds
// with the current list snapshot. Only an unreadable directory fails the
// request, synchronously.
func (c *Controller) StartDir(ctx context.Context, dir string) ([]registry.Status, error) {
	paths, err := c.scan(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrDirUnreadable)
	}
	return c.startBatch(ctx, paths)
}

// Rescan behaves like StartDir on the configured default directory, except
// an unreadable default directory is treated as zero candidates rather than
// an error.
func (c *Controller) Rescan(ctx context.Context) ([]registry.Status, error) {
	paths, err := c.scan(c.defaultDir)
	if err != nil {
		c.logger.Warn("default plugin directory unreadable, skipping", "dir", c.defaultDir, "error", err)
		paths = nil
	}
	return c.startBatch(ctx, paths)
}

// StartStatic registers and launches the startup-configured plugins. They
// carry OriginStatic and cannot be stopped through the control surface.
func (c *Controller) StartStatic(ctx context.Context, paths []string) ([]registry.Status, error) {
	return c.start(ctx, paths, registry.OriginStatic)
}

// Stop kills a dynamic plugin by path or unique short name.
func (c *Controller) Stop(ctx context.Context, nameOrPath string) (string, error) {
	e, err := c.reg.Kill(nameOrPath, KillReason)
	if err != nil {
		return "", err
	}
	c.record(ctx, e, "killed", KillReason)
	c.publish("plugin.killed", e)
	c.logger.Info("plugin stopped", "plugin", e.Name, "path", e.Path)
	return fmt.Sprintf("Successfully stopped %s.", nameOrPath), nil
}

// List returns the aggregate plugin list snapshot.
func (c *Controller) List() []registry.Status {
	return c.reg.List()
}

func (c *Controller) startBatch(ctx context.Context, paths []string) ([]registry.Status, error) {
	return c.start(ctx, paths, registry.OriginDynamic)
}

// start admits each candidate path into the registry, opens a batch for the
// admitted count, launches their handshakes, and waits for resolution. The
// aggregate is recomputed from the registry when the batch resolves, so it
// never depends on the order outcomes arrived in.
func (c *Controller) start(ctx context.Context, paths []string, origin registry.Origin) ([]registry.Status, error) {
	var admitted []*registry.Entry
	for _, path := range paths {
		if !c.isExec(path) {
			c.logger.Debug("skipping non-executable candidate", "path", path)
			continue
		}
		e, err := c.reg.Register(path, origin)
		if err != nil {
			if errors.Is(err, registry.ErrAlreadyRegistered) {
				c.logger.Debug("skipping already-registered plugin", "path", path)
				continue
			}
			return nil, err
		}
		c.record(ctx, e, "registered", "")
		admitted = append(admitted, e)
	}

	resCh := make(chan []registry.Status, 1)
	batch := pending.Open(len(admitted), func([]pending.Outcome) {
		// Batch starts absorb individual failures; the response is whatever
		// the registry holds now.
		resCh <- c.reg.List()
	})
	if batch != nil {
		c.logger.Info("batch start opened", "batch_id", batch.ID(), "expected", len(admitted))
		for _, e := range admitted {
			c.launch(e, batch)
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case list := <-resCh:
		return list, nil
	}
}

// launch begins e's handshake and wires its eventual report into the batch
// and the registry. The registry mutations happen here, in the callback, so
// the handshake collaborator never touches plugin state itself.
func (c *Controller) launch(e *registry.Entry, batch *pending.Batch) {
	c.reg.BeginHandshake(e)

	path := e.Path
	c.reg.BindTerminator(e, func(reason string) {
		c.hs.Terminate(path, reason)
	})

	c.hs.Initiate(path, func(err error) {
		if err != nil {
			c.reg.MarkFailed(e, err.Error())
			c.record(context.Background(), e, "failed", err.Error())
			c.publish("plugin.failed", e)
			c.logger.Warn("plugin handshake failed", "plugin", e.Name, "path", path, "error", err)
			batch.Fail(path, fmt.Errorf("%s: %w", path, err))
			return
		}
		c.reg.MarkActive(e)
		c.record(context.Background(), e, "active", "")
		c.publish("plugin.active", e)
		c.logger.Info("plugin active", "plugin", e.Name, "path", path)
		batch.Success(path)
	})
}

func (c *Controller) record(ctx context.Context, e *registry.Entry, event, detail string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(ctx, e.Name, e.Path, event, detail); err != nil {
		c.logger.Error("failed to journal lifecycle event", "plugin", e.Name, "event", event, "error", err)
	}
}

func (c *Controller) publish(eventType string, e *registry.Entry) {
	if c.events == nil {
		return
	}
	c.events.Publish(eventType, map[string]any{
		"plugin": e.Name,
		"path":   e.Path,
	})
}
