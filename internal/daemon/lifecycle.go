package daemon

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/hub"
	"github.com/iteratedev/iterate/internal/store"
	"github.com/iteratedev/iterate/internal/worktree"
)

// RemoveIteration stops the preview server, deletes the worktree and branch
// and drops the record.
func (d *Daemon) RemoveIteration(ctx context.Context, name string) error {
	if _, ok := d.store.Iteration(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := d.processes.Stop(ctx, name); err != nil {
		debug.LogKV("daemon", "stop failed during remove", "iteration", name, "error", err)
	}
	if err := d.worktrees.Remove(ctx, name, true); err != nil {
		d.markStopped([]string{name})
		return fmt.Errorf("removing worktree for %s: %w", name, err)
	}
	d.processes.Forget(name)
	d.publish(func() []hub.ServerMessage {
		if !d.store.RemoveIteration(name) {
			return nil
		}
		return []hub.ServerMessage{hub.IterationRemoved{Name: name}}
	})
	debug.LogKV("daemon", "iteration removed", "iteration", name)
	return nil
}

// PickResult is returned by a successful Pick.
type PickResult struct {
	Picked   string `json:"picked"`
	Strategy string `json:"strategy"`
	Commit   string `json:"commit"`
}

// Pick stops every preview server, lands the winner on the current branch and
// removes every iteration. If the merge fails it is rolled back and all
// iterations stay, marked stopped.
func (d *Daemon) Pick(ctx context.Context, name, strategyName string) (PickResult, error) {
	strategy, err := worktree.ParseStrategy(strategyName)
	if err != nil {
		return PickResult{}, err
	}
	d.admitMu.Lock()
	defer d.admitMu.Unlock()
	if _, ok := d.store.Iteration(name); !ok {
		return PickResult{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	names := d.store.IterationNames()
	debug.LogKV("daemon", "pick", "winner", name, "strategy", strategy, "iterations", strings.Join(names, ","))
	if err := d.processes.StopAll(ctx); err != nil {
		debug.LogKV("daemon", "stop all failed during pick", "error", err)
	}

	hash, err := d.worktrees.Pick(ctx, name, names, strategy)
	if err != nil {
		d.metrics.IncPick(string(strategy), false)
		d.markStopped(names)
		return PickResult{}, err
	}

	d.metrics.IncPick(string(strategy), true)
	d.publish(func() []hub.ServerMessage {
		removed := d.store.RemoveAllIterations()
		out := make([]hub.ServerMessage, 0, len(removed))
		for _, n := range removed {
			d.processes.Forget(n)
			out = append(out, hub.IterationRemoved{Name: n})
		}
		return out
	})
	debug.LogKV("daemon", "picked", "winner", name, "commit", hash)
	return PickResult{Picked: name, Strategy: string(strategy), Commit: hash}, nil
}

// markStopped moves every listed iteration that is still present and not
// already stopped to stopped.
func (d *Daemon) markStopped(names []string) {
	d.publish(func() []hub.ServerMessage {
		var out []hub.ServerMessage
		for _, n := range names {
			cur, ok := d.store.Iteration(n)
			if !ok || cur.Status == store.StatusStopped {
				continue
			}
			it, err := d.store.SetStatus(n, store.StatusStopped, "")
			if err != nil {
				continue
			}
			out = append(out, hub.IterationStatus{Iteration: it})
		}
		return out
	})
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

const maxCommandNameLen = 48

// commandBaseName turns a free-form command into an iteration name prefix.
func commandBaseName(command string) string {
	base := unsafeNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(command)), "-")
	base = strings.Trim(base, "-_")
	if len(base) > maxCommandNameLen {
		base = strings.TrimRight(base[:maxCommandNameLen], "-_")
	}
	if base == "" {
		base = "iteration"
	}
	return base
}

// RunCommand records a command context and creates count iterations named
// <command>-<i> for it. The iterations are admitted before RunCommand
// returns; their pipelines run in the background.
func (d *Daemon) RunCommand(command, prompt string, count int) (store.CommandContext, error) {
	if count < 1 {
		return store.CommandContext{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if limit := d.cfg.MaxIterations; limit > 0 && count > limit {
		return store.CommandContext{}, fmt.Errorf("%w (%d)", ErrAtCapacity, limit)
	}

	base := commandBaseName(command)
	taken := make(map[string]bool)
	for _, n := range d.store.IterationNames() {
		taken[n] = true
	}
	names := make([]string, 0, count)
	for i := 1; len(names) < count; i++ {
		n := fmt.Sprintf("%s-%d", base, i)
		if !taken[n] {
			names = append(names, n)
		}
	}

	cmd := store.CommandContext{
		CommandID:  uuid.NewString(),
		Command:    command,
		Prompt:     prompt,
		Iterations: names,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.admit(names, &cmd); err != nil {
		return store.CommandContext{}, err
	}
	d.hub.Do(func() []hub.ServerMessage {
		d.store.SetCommand(cmd)
		return []hub.ServerMessage{hub.CommandStarted{Command: cmd}}
	})
	debug.LogKV("daemon", "command started", "command_id", cmd.CommandID, "count", count)

	for _, n := range names {
		go func() {
			defer d.pipeline.Done()
			if _, err := d.runPipeline(n, ""); err != nil {
				debug.LogKV("daemon", "command iteration failed", "command_id", cmd.CommandID, "iteration", n, "error", err)
			}
		}()
	}
	return cmd, nil
}

// watchExits turns unexpected preview server exits into an error status.
func (d *Daemon) watchExits(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.processes.Exits():
			d.metrics.IncExit(e.Requested)
			if e.Requested {
				continue
			}
			d.publish(func() []hub.ServerMessage {
				cur, ok := d.store.Iteration(e.Name)
				if !ok || cur.PID == nil || *cur.PID != e.PID {
					return nil
				}
				if cur.Status == store.StatusError || cur.Status == store.StatusStopped {
					return nil
				}
				msg := "dev server exited"
				if e.Err != nil {
					msg += ": " + e.Err.Error()
				}
				it, err := d.store.SetStatus(e.Name, store.StatusError, msg)
				if err != nil {
					return nil
				}
				debug.LogKV("daemon", "unexpected exit", "iteration", e.Name, "pid", e.PID, "error", e.Err)
				return []hub.ServerMessage{hub.IterationStatus{Iteration: it}}
			})
		}
	}
}

// reapIdle stops ready iterations that have not been proxied to for idle.
func (d *Daemon) reapIdle(ctx context.Context, idle time.Duration) {
	interval := min(max(idle/4, time.Second), 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.reapOnce(ctx, now, idle)
		}
	}
}

func (d *Daemon) reapOnce(ctx context.Context, now time.Time, idle time.Duration) {
	for name, it := range d.store.Iterations() {
		if it.Status != store.StatusReady {
			continue
		}
		last := it.CreatedAt
		if it.LastActivityAt != nil {
			last = *it.LastActivityAt
		}
		if now.Sub(last) < idle {
			continue
		}
		debug.LogKV("daemon", "stopping idle iteration", "iteration", name, "idle", now.Sub(last).Round(time.Second))
		if err := d.processes.Stop(ctx, name); err != nil {
			debug.LogKV("daemon", "idle stop failed", "iteration", name, "error", err)
		}
		d.markStopped([]string{name})
	}
}
