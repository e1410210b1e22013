// Package daemon wires the store, worktree manager, process manager, proxy
// and hub together and implements the iteration lifecycle on top of them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/hub"
	"github.com/iteratedev/iterate/internal/metrics"
	"github.com/iteratedev/iterate/internal/process"
	"github.com/iteratedev/iterate/internal/proxy"
	"github.com/iteratedev/iterate/internal/store"
	"github.com/iteratedev/iterate/internal/worktree"
)

var (
	ErrAtCapacity   = errors.New("maximum number of iterations reached")
	ErrNotFound     = errors.New("iteration not found")
	ErrInvalidCount = errors.New("invalid iteration count")
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// shutdownTimeout bounds how long Run waits for children on the way out.
const shutdownTimeout = 10 * time.Second

// Options configures a Daemon.
type Options struct {
	RepoRoot string
	Config   config.Config
	// Output receives the prefixed output of every preview server. Defaults
	// to os.Stderr.
	Output io.Writer
}

// Daemon is the composition root. All shared registries are fields here and
// handed to the components that need them.
type Daemon struct {
	repo      string
	cfg       config.Config
	store     *store.Store
	worktrees *worktree.Manager
	processes *process.Manager
	hub       *hub.Hub
	proxy     *proxy.Router
	metrics   *metrics.Recorder

	// install and probeInterval are replaced in tests.
	install       func(ctx context.Context, dir string) error
	probeInterval time.Duration

	// admitMu makes the capacity check and the insert one step. Pick holds
	// it so no iteration appears while the winner is being landed.
	admitMu sync.Mutex
	// building holds names whose pipeline has not returned yet. Guarded by
	// admitMu.
	building map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	pipeline sync.WaitGroup
}

func New(opts Options) *Daemon {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	s := store.New(opts.Config)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		repo:          opts.RepoRoot,
		cfg:           opts.Config,
		store:         s,
		worktrees:     worktree.NewManager(opts.RepoRoot),
		processes:     process.New(opts.Config.BasePort, out),
		hub:           hub.New(s),
		proxy:         proxy.New(s),
		metrics:       metrics.New(),
		probeInterval: 250 * time.Millisecond,
		building:      make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	d.install = d.installDependencies
	d.hub.OnClients = d.metrics.SetClients
	d.proxy.OnResponse = d.metrics.IncProxy
	d.metrics.SetIterations(nil)
	return d
}

func (d *Daemon) Config() config.Config { return d.cfg }
func (d *Daemon) RepoRoot() string { return d.repo }
func (d *Daemon) Store() *store.Store { return d.store }
func (d *Daemon) Hub() *hub.Hub { return d.hub }
func (d *Daemon) Proxy() *proxy.Router { return d.proxy }
func (d *Daemon) Metrics() *metrics.Recorder { return d.metrics }
func (d *Daemon) Processes() *process.Manager { return d.processes }

// Done is closed once shutdown has been requested.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// RequestShutdown asks Run to stop every child and return.
func (d *Daemon) RequestShutdown() {
	debug.LogKV("daemon", "shutdown requested")
	d.cancel()
}

// Run starts the exit watcher and the idle reaper and blocks until ctx ends
// or shutdown is requested. All children are stopped before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	debug.LogKV("daemon", "running",
		"repo", d.repo,
		"base_port", d.cfg.BasePort,
		"max_iterations", d.cfg.MaxIterations,
		"idle_timeout", d.cfg.IdleTimeout.Std(),
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var loops sync.WaitGroup
	loops.Go(func() { d.watchExits(runCtx) })
	if idle := d.cfg.IdleTimeout.Std(); idle > 0 {
		loops.Go(func() { d.reapIdle(runCtx, idle) })
	}

	<-runCtx.Done()
	d.cancel()
	// No pipeline can be admitted once the lock has been passed.
	d.admitMu.Lock()
	d.admitMu.Unlock()
	d.pipeline.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	err := d.processes.StopAll(stopCtx)
	loops.Wait()
	d.processes.Close()
	debug.LogKV("daemon", "stopped", "error", err)
	if err != nil {
		return fmt.Errorf("stopping preview servers: %w", err)
	}
	return nil
}

// publish runs fn under the hub lock, broadcasts its messages and refreshes
// the iteration gauge.
func (d *Daemon) publish(fn func() []hub.ServerMessage) {
	d.hub.Do(fn)
	d.metrics.SetIterations(d.store.Iterations())
}

// Logs returns the recent preview server output of name.
func (d *Daemon) Logs(name string) ([]string, error) {
	if _, ok := d.store.Iteration(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	lines, _ := d.processes.Logs(name)
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// UpdateAnnotation moves an annotation to status and broadcasts the change.
func (d *Daemon) UpdateAnnotation(id string, status store.FeedbackStatus) (store.Annotation, error) {
	var (
		out store.Annotation
		err error
	)
	d.hub.Do(func() []hub.ServerMessage {
		out, err = d.store.UpdateAnnotationStatus(id, status)
		if err != nil {
			return nil
		}
		return []hub.ServerMessage{hub.AnnotationUpdated{Annotation: out}}
	})
	return out, err
}

// ClearDomChanges drops every recorded DOM change and broadcasts dom:cleared.
func (d *Daemon) ClearDomChanges() int {
	var n int
	d.hub.Do(func() []hub.ServerMessage {
		n = d.store.ClearDomChanges()
		return []hub.ServerMessage{hub.DomCleared{Count: n}}
	})
	return n
}
