package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// initTemp points the logger at a file under t.TempDir and closes it when the
// test ends.
func initTemp(t *testing.T, process string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "iterate.log")
	t.Setenv(EnvLogPath, path)
	t.Setenv(EnvProcess, process)
	got, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Close)
	if got != path {
		t.Fatalf("Init path = %q, want %q", got, path)
	}
	return path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	return string(data)
}

func TestShouldEnableFromEnv(t *testing.T) {
	tests := map[string]struct {
		enabled, path string
		want          bool
	}{
		"nothing set":       {"", "", false},
		"on":                {"on", "", true},
		"TRUE mixed case":   {" TRUE ", "", true},
		"inherited path":    {"", "/tmp/iterate.log", true},
		"off beats path":    {"no", "/tmp/iterate.log", false},
		"garbage uses path": {"sometimes", "/tmp/iterate.log", true},
		"garbage, no path":  {"sometimes", "", false},
		"whitespace path":   {"", "   ", false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvEnabled, tt.enabled)
			t.Setenv(EnvLogPath, tt.path)
			if got := ShouldEnableFromEnv(); got != tt.want {
				t.Fatalf("ShouldEnableFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	Close()
	if Path() != "" {
		t.Fatalf("Path() = %q with logger closed", Path())
	}
	// None of these may panic without Init.
	Log("daemon", "ignored")
	Logf("daemon", "ignored %d", 1)
	LogKV("daemon", "ignored", "k", "v")

	base := []string{"A=1"}
	if got := PropagatedEnv(base, "daemon"); len(got) != 1 || got[0] != "A=1" {
		t.Fatalf("PropagatedEnv with logging off = %v, want %v", got, base)
	}
}

func TestLogKVWritesComponentCallerAndPairs(t *testing.T) {
	path := initTemp(t, "daemon:test")

	LogKV("pipeline", "status changed", "iteration", "exp1", "status", "ready", "dangling")
	Close()

	s := readLog(t, path)
	if !strings.Contains(s, "=== ITERATE DEBUG PROCESS ATTACHED ===") {
		t.Fatalf("inherited log missing attach header:\n%s", s)
	}
	var line string
	for _, l := range strings.Split(s, "\n") {
		if strings.Contains(l, "status changed") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("log line not written:\n%s", s)
	}
	for _, want := range []string{"[pipeline  ]", "daemon:test", "debug/debug_test.go:", "status changed iteration=exp1 status=ready"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "dangling") {
		t.Errorf("odd trailing key was written: %q", line)
	}
	if !strings.Contains(s, "=== DEBUG LOG CLOSED ===") {
		t.Fatalf("log missing close trailer:\n%s", s)
	}
}

func TestInitTwiceKeepsFirstPath(t *testing.T) {
	path := initTemp(t, "daemon")
	t.Setenv(EnvLogPath, filepath.Join(t.TempDir(), "other.log"))
	again, err := Init()
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if again != path {
		t.Fatalf("second Init = %q, want %q", again, path)
	}
}

func TestPropagatedEnvForChildren(t *testing.T) {
	path := initTemp(t, "daemon")

	env := PropagatedEnv([]string{"HOME=/home/dev", EnvEnabled + "=0", "PORT=3101"}, "iteration:exp1")
	m := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if _, dup := m[k]; dup {
			t.Fatalf("%s set twice in %v", k, env)
		}
		m[k] = v
	}
	want := map[string]string{
		"HOME":     "/home/dev",
		"PORT":     "3101",
		EnvEnabled: "1",
		EnvLogPath: path,
		EnvProcess: "iteration:exp1",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %q, want %q", k, m[k], v)
		}
	}
}

func TestShortFile(t *testing.T) {
	tests := map[string]string{
		"/src/iterate/internal/daemon/pipeline.go": "internal/daemon/pipeline.go",
		"/src/iterate/cmd/iterate/main.go":         "cmd/iterate/main.go",
		"/usr/lib/go/src/net/http/server.go":       "server.go",
	}
	for in, want := range tests {
		if got := shortFile(in); got != want {
			t.Errorf("shortFile(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGoroutineID(t *testing.T) {
	main := goroutineID()
	if main <= 0 {
		t.Fatalf("goroutineID() = %d, want > 0", main)
	}
	other := make(chan int64)
	go func() { other <- goroutineID() }()
	if id := <-other; id == main || id <= 0 {
		t.Fatalf("goroutine id %d, test goroutine %d", id, main)
	}
}
