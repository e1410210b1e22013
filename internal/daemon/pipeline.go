package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/hub"
	"github.com/iteratedev/iterate/internal/store"
)

// errRemoved aborts a pipeline whose iteration was deleted under it.
var errRemoved = errors.New("iteration removed during creation")

// CreateIteration records name, then creates its worktree, installs
// dependencies, starts the preview server and waits for it to listen. Each
// status change is broadcast once. A failure after the record exists marks
// the iteration as error and leaves its artifacts in place.
//
// ctx only guards admission: once recorded, the pipeline runs to completion
// under the daemon's own lifetime even if the caller goes away.
func (d *Daemon) CreateIteration(ctx context.Context, name, baseBranch string) (store.Iteration, error) {
	if err := ctx.Err(); err != nil {
		return store.Iteration{}, err
	}
	if err := d.admit([]string{name}, nil); err != nil {
		return store.Iteration{}, err
	}
	defer d.pipeline.Done()
	return d.runPipeline(name, baseBranch)
}

// admit validates names and inserts a creating record for each, all or
// nothing. On success the caller owns one pipeline slot per name.
func (d *Daemon) admit(names []string, cmd *store.CommandContext) error {
	for _, name := range names {
		if err := store.ValidateName(name); err != nil {
			return err
		}
	}

	d.admitMu.Lock()
	defer d.admitMu.Unlock()
	if d.ctx.Err() != nil {
		return ErrShuttingDown
	}
	for _, name := range names {
		if _, exists := d.store.Iteration(name); exists {
			return fmt.Errorf("%w: %s", store.ErrIterationExists, name)
		}
		// A removed iteration whose pipeline is still cleaning up.
		if _, busy := d.building[name]; busy {
			return fmt.Errorf("%w: %s is still being removed", store.ErrIterationExists, name)
		}
	}
	if limit := d.cfg.MaxIterations; limit > 0 && d.store.Count()+len(names) > limit {
		return fmt.Errorf("%w (%d)", ErrAtCapacity, limit)
	}

	now := time.Now().UTC()
	var err error
	d.publish(func() []hub.ServerMessage {
		out := make([]hub.ServerMessage, 0, len(names))
		for _, name := range names {
			it := store.Iteration{
				Name:         name,
				Branch:       store.BranchFor(name),
				WorktreePath: d.worktrees.Path(name),
				Status:       store.StatusCreating,
				CreatedAt:    now,
			}
			if cmd != nil {
				it.CommandID = cmd.CommandID
				it.CommandPrompt = cmd.Prompt
			}
			if err = d.store.AddIteration(it); err != nil {
				for _, added := range out {
					d.store.RemoveIteration(added.(hub.IterationStatus).Iteration.Name)
				}
				return nil
			}
			out = append(out, hub.IterationStatus{Iteration: it})
		}
		return out
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		d.building[name] = struct{}{}
	}
	d.pipeline.Add(len(names))
	debug.LogKV("daemon", "iterations admitted", "names", strings.Join(names, ","))
	return nil
}

func (d *Daemon) runPipeline(name, baseBranch string) (store.Iteration, error) {
	defer func() {
		d.admitMu.Lock()
		delete(d.building, name)
		d.admitMu.Unlock()
	}()

	ctx := d.ctx
	start := time.Now()
	it, err := d.createSteps(ctx, name, baseBranch)
	if err != nil {
		if _, ok := d.store.Iteration(name); errors.Is(err, errRemoved) || !ok {
			d.discard(context.WithoutCancel(ctx), name)
			debug.LogKV("daemon", "pipeline aborted", "iteration", name, "error", err)
			return store.Iteration{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		debug.LogKV("daemon", "pipeline failed", "iteration", name, "error", err)
		d.fail(name, err)
		d.metrics.ObservePipeline(store.StatusError, time.Since(start))
		if it, ok := d.store.Iteration(name); ok {
			return it, err
		}
		return store.Iteration{}, err
	}
	d.metrics.ObservePipeline(store.StatusReady, time.Since(start))
	debug.LogKV("daemon", "iteration ready", "iteration", name, "port", it.Port, "elapsed", time.Since(start).Round(time.Millisecond))
	return it, nil
}

func (d *Daemon) createSteps(ctx context.Context, name, baseBranch string) (store.Iteration, error) {
	info, err := d.worktrees.Create(ctx, name, baseBranch)
	if err != nil {
		return store.Iteration{}, fmt.Errorf("creating worktree: %w", err)
	}
	if _, err := d.transition(name, func(it *store.Iteration) {
		it.WorktreePath = info.Path
		it.Branch = info.Branch
		it.Status = store.StatusInstalling
	}); err != nil {
		return store.Iteration{}, err
	}

	if err := d.install(ctx, info.Path); err != nil {
		return store.Iteration{}, fmt.Errorf("installing dependencies: %w", err)
	}

	port, err := d.processes.AllocatePort()
	if err != nil {
		return store.Iteration{}, err
	}
	pid, err := d.processes.Start(name, info.Path, d.cfg.DevCommand, port)
	if err != nil {
		return store.Iteration{}, err
	}
	var assignErr error
	d.publish(func() []hub.ServerMessage {
		var it store.Iteration
		it, assignErr = d.store.AssignProcess(name, port, pid, store.StatusStarting)
		if assignErr != nil {
			return nil
		}
		return []hub.ServerMessage{hub.IterationStatus{Iteration: it}}
	})
	if errors.Is(assignErr, store.ErrNotFound) {
		return store.Iteration{}, errRemoved
	} else if assignErr != nil {
		return store.Iteration{}, assignErr
	}

	if err := d.waitReady(ctx, name, port); err != nil {
		return store.Iteration{}, err
	}
	return d.markReady(name)
}

// discard tears down whatever a pipeline built for an iteration that was
// removed while it ran. The removal may have happened before the worktree
// existed, so the worktree and branch are deleted here again.
func (d *Daemon) discard(ctx context.Context, name string) {
	if err := d.processes.Stop(ctx, name); err != nil {
		debug.LogKV("daemon", "stop failed after removal", "iteration", name, "error", err)
	}
	d.processes.Forget(name)
	if err := d.worktrees.Remove(ctx, name, true); err != nil {
		debug.LogKV("daemon", "worktree cleanup failed after removal", "iteration", name, "error", err)
	}
}

// markReady moves a starting iteration to ready. The exit watcher may have
// moved it to error in the meantime, in which case that status stands.
func (d *Daemon) markReady(name string) (store.Iteration, error) {
	var (
		out store.Iteration
		err error
	)
	d.publish(func() []hub.ServerMessage {
		cur, ok := d.store.Iteration(name)
		if !ok {
			err = errRemoved
			return nil
		}
		if cur.Status != store.StatusStarting {
			err = fmt.Errorf("iteration %s became %s while starting", name, cur.Status)
			return nil
		}
		out, err = d.store.SetStatus(name, store.StatusReady, "")
		if err != nil {
			return nil
		}
		return []hub.ServerMessage{hub.IterationStatus{Iteration: out}}
	})
	return out, err
}

// transition applies fn and broadcasts the result. A missing record means
// the iteration was removed and yields errRemoved.
func (d *Daemon) transition(name string, fn func(*store.Iteration)) (store.Iteration, error) {
	var (
		out store.Iteration
		err error
	)
	d.publish(func() []hub.ServerMessage {
		out, err = d.store.UpdateIteration(name, fn)
		if err != nil {
			return nil
		}
		return []hub.ServerMessage{hub.IterationStatus{Iteration: out}}
	})
	if errors.Is(err, store.ErrNotFound) {
		return out, errRemoved
	}
	return out, err
}

// fail moves name to error unless it is already there, so the exit watcher
// and the pipeline never broadcast the same failure twice.
func (d *Daemon) fail(name string, cause error) {
	d.publish(func() []hub.ServerMessage {
		cur, ok := d.store.Iteration(name)
		if !ok || cur.Status == store.StatusError {
			return nil
		}
		it, err := d.store.SetStatus(name, store.StatusError, cause.Error())
		if err != nil {
			return nil
		}
		return []hub.ServerMessage{hub.IterationStatus{Iteration: it}}
	})
}

// waitReady polls the preview port until it accepts a TCP connection, the
// child exits, or the startup timeout passes.
func (d *Daemon) waitReady(ctx context.Context, name string, port int) error {
	timeout := d.cfg.StartupTimeout.Std()
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ticker := time.NewTicker(d.probeInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if !d.processes.Running(name) {
			return fmt.Errorf("dev server for %s exited before listening on port %d", name, port)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dev server for %s did not listen on port %d within %s", name, port, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// installDependencies runs `<packageManager> install` in dir. Projects
// without a package.json are skipped.
func (d *Daemon) installDependencies(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		if os.IsNotExist(err) {
			debug.LogKV("daemon", "no package.json, skipping install", "dir", dir)
			return nil
		}
		return err
	}
	pm := d.cfg.PackageManager
	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", pm+" install")
	cmd.Dir = dir
	cmd.Env = debug.PropagatedEnv(os.Environ(), "install")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	out, err := cmd.CombinedOutput()
	debug.LogKV("daemon", "install finished", "dir", dir, "pm", pm, "elapsed", time.Since(start).Round(time.Millisecond), "error", err)
	if err != nil {
		return fmt.Errorf("%s install: %s: %w", pm, tail(out, 20), err)
	}
	return nil
}

// tail returns the last n non-empty lines of out.
func tail(out []byte, n int) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
