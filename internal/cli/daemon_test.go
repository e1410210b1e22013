package cli

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/iteratedev/iterate/internal/store"
)

func TestDaemonCommandFlags(t *testing.T) {
	for _, name := range []string{"port", "host", "daemon", "mdns"} {
		if daemonCmd.Flags().Lookup(name) == nil {
			t.Errorf("daemon command missing --%s", name)
		}
	}
	host, err := daemonCmd.Flags().GetString("host")
	if err != nil {
		t.Fatalf("host flag: %v", err)
	}
	if host != "127.0.0.1" {
		t.Errorf("default host = %q, want 127.0.0.1", host)
	}
	if rootCmd.PersistentFlags().Lookup("debug") == nil {
		t.Error("root command missing --debug")
	}

	var subs []string
	for _, c := range daemonCmd.Commands() {
		subs = append(subs, c.Name())
	}
	if strings.Join(subs, ",") != "status,stop" {
		t.Errorf("daemon subcommands = %v, want [status stop]", subs)
	}
}

func TestDaemonRuntimeFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, daemonPIDFileName)
	statePath := filepath.Join(dir, daemonStateFileName)
	want := daemonRuntimeState{PID: 4242, URL: "http://127.0.0.1:4000", Port: 4000, Host: "127.0.0.1", Repo: "/src/app"}

	if err := writeDaemonRuntimeFiles(pidPath, statePath, want); err != nil {
		t.Fatalf("writeDaemonRuntimeFiles: %v", err)
	}

	got, running, err := loadDaemonState(pidPath, statePath, func(pid int) bool { return pid == 4242 })
	if err != nil {
		t.Fatalf("loadDaemonState: %v", err)
	}
	if !running {
		t.Fatal("running = false, want true")
	}
	if got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestLoadDaemonStateRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, daemonPIDFileName)
	statePath := filepath.Join(dir, daemonStateFileName)
	if err := writeDaemonRuntimeFiles(pidPath, statePath, daemonRuntimeState{PID: 99999, URL: "http://x"}); err != nil {
		t.Fatalf("writeDaemonRuntimeFiles: %v", err)
	}

	_, running, err := loadDaemonState(pidPath, statePath, func(int) bool { return false })
	if err != nil {
		t.Fatalf("loadDaemonState: %v", err)
	}
	if running {
		t.Fatal("running = true for dead pid")
	}
	for _, p := range []string{pidPath, statePath} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still exists: %v", p, err)
		}
	}
}

func TestLoadDaemonStateMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, running, err := loadDaemonState(filepath.Join(dir, "none.pid"), filepath.Join(dir, "none.json"), isPIDAlive)
	if err != nil || running {
		t.Fatalf("running=%v err=%v, want false nil", running, err)
	}
}

func TestReadDaemonPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), daemonPIDFileName)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readDaemonPIDFile(path); err == nil {
		t.Fatal("expected parse error")
	}
	if err := writeDaemonPIDFile(path, 0); err == nil {
		t.Fatal("expected invalid pid error")
	}
}

func TestDaemonChildArgs(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"daemon", "--daemon"}, []string{"daemon"}},
		{[]string{"daemon", "--daemon", "true", "--port", "4100"}, []string{"daemon", "--port", "4100"}},
		{[]string{"daemon", "--daemon=true", "--mdns"}, []string{"daemon", "--mdns"}},
		{[]string{"--debug", "daemon"}, []string{"--debug", "daemon"}},
	}
	for _, tt := range tests {
		if got := daemonChildArgs(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("daemonChildArgs(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsPIDAlive(t *testing.T) {
	if !isPIDAlive(os.Getpid()) {
		t.Fatal("current process reported dead")
	}
	if isPIDAlive(0) || isPIDAlive(-1) {
		t.Fatal("non-positive pid reported alive")
	}
}

func TestPortInUseErrorDetection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("second listen error = %v, want *net.OpError", err)
	}
}

func TestIterationTable(t *testing.T) {
	disableColor()
	now := time.Now()
	table := iterationTable("http://127.0.0.1:4000", map[string]store.Iteration{
		"b": {Name: "b", Branch: "iterate/b", Status: store.StatusError, Error: "install failed\nnpm ERR!", CreatedAt: now.Add(time.Second)},
		"a": {Name: "a", Branch: "iterate/a", Status: store.StatusReady, Port: 3101, CreatedAt: now},
	})
	lines := strings.Split(table, "\n")
	if len(lines) != 4 {
		t.Fatalf("table has %d lines, want 4:\n%s", len(lines), table)
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[2]), "a ") || !strings.Contains(lines[2], "http://127.0.0.1:4000/a/") {
		t.Fatalf("first row = %q", lines[2])
	}
	if !strings.Contains(lines[3], "[error]") || !strings.HasSuffix(lines[3], "install failed") {
		t.Fatalf("second row = %q", lines[3])
	}

	if empty := iterationTable("", nil); !strings.Contains(empty, "no iterations") {
		t.Fatalf("empty table = %q", empty)
	}
}

func TestStripAnsiAndTruncate(t *testing.T) {
	if got := stripAnsi("\033[1;32mready\033[0m"); got != "ready" {
		t.Fatalf("stripAnsi = %q", got)
	}
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
