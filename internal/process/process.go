// Package process allocates preview ports and supervises the dev server of
// each iteration. Every child runs in its own process group so stopping it
// also stops whatever the package manager spawned underneath.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iteratedev/iterate/internal/debug"
)

// ErrNoPorts is returned when every candidate port is taken.
var ErrNoPorts = errors.New("no available ports in range")

const (
	// DefaultRangeSize is how many candidate ports AllocatePort tries.
	DefaultRangeSize = 100
	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	killWait     = 2 * time.Second
	pipeDrain    = 2 * time.Second
	exitsBacklog = 64
)

// Exit describes a child that terminated. Requested is true when the exit
// followed a Stop call.
type Exit struct {
	Name      string
	PID       int
	Err       error
	Requested bool
}

type proc struct {
	name      string
	pid       int
	port      int
	startedAt time.Time
	done      chan struct{}
	requested atomic.Bool
}

// Manager owns the port cursor and the table of running children.
type Manager struct {
	// RangeSize and StopTimeout may be changed before the first call.
	RangeSize   int
	StopTimeout time.Duration

	basePort int
	logw     io.Writer

	portMu   sync.Mutex
	lastPort int

	mu    sync.Mutex
	procs map[string]*proc
	logs  map[string]*ring

	exits  chan Exit
	closed chan struct{}
	once   sync.Once
}

// New returns a Manager that hands out ports from basePort upwards and copies
// child output, prefixed with the iteration name, to logw.
func New(basePort int, logw io.Writer) *Manager {
	if logw == nil {
		logw = io.Discard
	}
	return &Manager{
		RangeSize:   DefaultRangeSize,
		StopTimeout: DefaultStopTimeout,
		basePort:    basePort,
		logw:        &syncWriter{w: logw},
		procs:       make(map[string]*proc),
		logs:        make(map[string]*ring),
		exits:       make(chan Exit, exitsBacklog),
		closed:      make(chan struct{}),
	}
}

// Exits delivers one Exit per child, after its table entry is gone.
func (m *Manager) Exits() <-chan Exit {
	return m.exits
}

// Close stops delivery on Exits. Running children are not touched.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.closed) })
}

// AllocatePort returns the first bindable port at or after
// max(basePort, last allocated + 1). Ports only move forward for the life of
// the manager, so a port is never handed out twice.
func (m *Manager) AllocatePort() (int, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	start := max(m.basePort, m.lastPort+1)
	end := start + m.RangeSize
	for port := start; port < end; port++ {
		if portFree(port) {
			m.lastPort = port
			debug.LogKV("process", "port allocated", "port", port)
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoPorts, start, end-1)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Start spawns `sh -c command` in dir with PORT set. A spawn failure is
// returned directly; later termination is reported on Exits.
func (m *Manager) Start(name, dir, command string, port int) (int, error) {
	m.mu.Lock()
	if _, running := m.procs[name]; running {
		m.mu.Unlock()
		return 0, fmt.Errorf("process %s already running", name)
	}
	logs := newRing(defaultLogLines)
	m.logs[name] = logs
	m.mu.Unlock()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	env := append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"ITERATE_PORT="+strconv.Itoa(port),
		"ITERATE_ITERATION="+name,
	)
	cmd.Env = debug.PropagatedEnv(env, "iteration:"+name)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := newLineWriter("["+name+"] ", m.logw, logs)
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren that outlive the shell keep the pipe open.
	cmd.WaitDelay = pipeDrain

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		if m.logs[name] == logs {
			delete(m.logs, name)
		}
		m.mu.Unlock()
		return 0, fmt.Errorf("starting %q for %s: %w", command, name, err)
	}

	p := &proc{
		name:      name,
		pid:       cmd.Process.Pid,
		port:      port,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.procs[name] = p
	m.mu.Unlock()

	debug.LogKV("process", "started", "iteration", name, "pid", p.pid, "port", port, "dir", dir)
	go m.supervise(p, cmd, out)
	return p.pid, nil
}

func (m *Manager) supervise(p *proc, cmd *exec.Cmd, out *lineWriter) {
	err := cmd.Wait()
	out.Flush()
	// Reap anything the shell left behind in the group.
	if kerr := syscall.Kill(-p.pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
		debug.LogKV("process", "group cleanup failed", "iteration", p.name, "pid", p.pid, "error", kerr)
	}

	m.mu.Lock()
	if m.procs[p.name] == p {
		delete(m.procs, p.name)
	}
	m.mu.Unlock()
	close(p.done)

	exit := Exit{Name: p.name, PID: p.pid, Err: err, Requested: p.requested.Load()}
	debug.LogKV("process", "exited",
		"iteration", p.name,
		"pid", p.pid,
		"requested", exit.Requested,
		"uptime", time.Since(p.startedAt).Round(time.Millisecond),
		"error", err,
	)
	select {
	case m.exits <- exit:
	case <-m.closed:
	}
}

// Stop sends SIGTERM to the child's process group and escalates to SIGKILL
// after StopTimeout or when ctx ends. Stopping an unknown name is a no-op.
// The table entry is gone when Stop returns.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	p := m.procs[name]
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	defer m.forgetProc(p)

	p.requested.Store(true)
	debug.LogKV("process", "stopping", "iteration", name, "pid", p.pid)
	if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		debug.LogKV("process", "SIGTERM failed", "iteration", name, "pid", p.pid, "error", err)
	}

	timer := time.NewTimer(m.StopTimeout)
	defer timer.Stop()
	var ctxErr error
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	debug.LogKV("process", "escalating to SIGKILL", "iteration", name, "pid", p.pid)
	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing %s (pid %d): %w", name, p.pid, err)
	}
	select {
	case <-p.done:
	case <-time.After(killWait):
		debug.LogKV("process", "child did not exit after SIGKILL", "iteration", name, "pid", p.pid)
	}
	return ctxErr
}

func (m *Manager) forgetProc(p *proc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.procs[p.name] == p {
		delete(m.procs, p.name)
	}
}

// Running reports whether name has a live child.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[name]
	return ok
}

// Names returns the sorted names of running children.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Logs returns the most recent output lines of name's child. Lines are kept
// after the child exits until Forget is called.
func (m *Manager) Logs(name string) ([]string, bool) {
	m.mu.Lock()
	r, ok := m.logs[name]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.Lines(), true
}

// Forget drops the retained output of name.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, name)
}

// StopAll stops every running child concurrently and waits for all of them.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range m.Names() {
		g.Go(func() error {
			return m.Stop(ctx, name)
		})
	}
	return g.Wait()
}
