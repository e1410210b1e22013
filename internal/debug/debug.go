// Package debug is the daemon's structured diagnostic logger.
//
// When enabled (--debug, or ITERATE_DEBUG_ENABLED in the environment) every
// pipeline phase, git invocation, process transition and hub message is
// appended as one line to a file under ~/.iterate/debug/. Lines carry a
// timestamp, the elapsed time since Init, the pid, a process label, the
// goroutine id, the component and the caller.
//
// When disabled all logging functions return immediately.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

const (
	// EnvEnabled turns the logger on in child iterate processes.
	EnvEnabled = "ITERATE_DEBUG_ENABLED"
	// EnvLogPath makes a process append to an existing log file.
	EnvLogPath = "ITERATE_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every line.
	EnvProcess = "ITERATE_DEBUG_PROCESS"
)

// Logger writes debug lines to a single file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
	pid       int
	process   string
}

// Init opens the global debug log and returns its path. Calling Init twice
// returns the already-open path.
func Init() (string, error) {
	if p := Path(); p != "" {
		return p, nil
	}

	path, logID, inherited, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	l := &Logger{
		file:      f,
		path:      path,
		startedAt: time.Now(),
		pid:       os.Getpid(),
		process:   processLabel(),
	}
	l.writeHeader(logID, inherited)

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		_ = f.Close()
		return logger.path, nil
	}
	logger = l
	return path, nil
}

func (l *Logger) writeHeader(logID string, inherited bool) {
	var b strings.Builder
	if inherited {
		b.WriteString("\n=== ITERATE DEBUG PROCESS ATTACHED ===\n")
	} else {
		b.WriteString("=== ITERATE DEBUG LOG ===\n")
	}
	fmt.Fprintf(&b, "Started: %s\nPID: %d\nProcess: %s\n", l.startedAt.Format(time.RFC3339Nano), l.pid, l.process)
	if logID != "" {
		fmt.Fprintf(&b, "Log ID: %s\n", logID)
	}
	fmt.Fprintf(&b, "File: %s\n===\n\n", l.path)
	_, _ = l.file.WriteString(b.String())
}

// Close writes the trailer and closes the log. Safe when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "\n=== DEBUG LOG CLOSED === (pid=%d process=%s duration=%s)\n", l.pid, l.process, time.Since(l.startedAt))
	_ = l.file.Close()
}

// Path returns the log file path, or "" when disabled.
func Path() string {
	if l := current(); l != nil {
		return l.path
	}
	return ""
}

// ShouldEnableFromEnv reports whether inherited environment asks for logging.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv overlays the debug variables on baseEnv so a spawned iterate
// process appends to the same log. baseEnv is returned unchanged when
// logging is off.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// Log writes msg for component.
func Log(component, msg string) {
	if l := current(); l != nil {
		l.write(component, msg)
	}
}

// Logf writes a formatted line for component.
func Logf(component, format string, args ...any) {
	if l := current(); l != nil {
		l.write(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes msg followed by key=value pairs.
//
//	debug.LogKV("daemon", "status changed", "iteration", name, "status", status)
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.write(component, b.String())
}

func current() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// write is always called directly from one of the exported helpers, so the
// caller of interest sits two frames up.
func (l *Logger) write(component, msg string) {
	now := time.Now()

	caller := "??:0"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", shortFile(file), line)
	}

	line := fmt.Sprintf("%s +%12s [P%-6d] [%-20s] [G%-6d] [%-10s] %-36s | %s\n",
		now.Format("15:04:05.000000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		l.pid,
		l.process,
		goroutineID(),
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	_, _ = l.file.WriteString(line)
	l.mu.Unlock()
}

func shortFile(file string) string {
	for _, marker := range []string{"/internal/", "/cmd/"} {
		if idx := strings.LastIndex(file, marker); idx >= 0 {
			return file[idx+1:]
		}
	}
	return filepath.Base(file)
}

func resolveLogPath() (path, logID string, inherited bool, err error) {
	if inheritedPath := strings.TrimSpace(os.Getenv(EnvLogPath)); inheritedPath != "" {
		if err := os.MkdirAll(filepath.Dir(inheritedPath), 0755); err != nil {
			return "", "", true, fmt.Errorf("debug: create dir for %s: %w", inheritedPath, err)
		}
		return inheritedPath, "", true, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", false, fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".iterate", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}

	logID = strings.SplitN(uuid.NewString(), "-", 2)[0]
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), logID)
	return filepath.Join(dir, name), logID, false, nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		arg = strings.TrimSpace(arg)
		if arg != "" && !strings.HasPrefix(arg, "-") {
			return base + ":" + arg
		}
	}
	return base
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// goroutineID parses the id out of the "goroutine N [...]" stack header.
func goroutineID() int64 {
	var buf [64]byte
	s := string(buf[:runtime.Stack(buf[:], false)])
	s = strings.TrimPrefix(s, "goroutine ")
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
