package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/spf13/cobra"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/daemon"
	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/webserver"
)

const (
	daemonChildEnv      = "ITERATE_DAEMON_CHILD"
	daemonPIDFileName   = "daemon.pid"
	daemonStateFileName = "daemon.json"
	daemonLogFileName   = "daemon.log"

	daemonStartupWait = 8 * time.Second
	// daemonStopWait covers the daemon's own bounded child shutdown.
	daemonStopWait = 15 * time.Second
)

type daemonRuntimeState struct {
	PID  int    `json:"pid"`
	URL  string `json:"url"`
	Port int    `json:"port"`
	Host string `json:"host"`
	Repo string `json:"repo"`
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the iterate daemon",
	Long: `Start the daemon that owns iterations for this repository. It serves the
control API, the /ws event stream and /metrics, and proxies /<iteration>/...
to each iteration's dev server.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemonized server",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "Port to listen on (defaults to daemonPort from .iterate/config)")
	daemonCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	daemonCmd.Flags().Bool("daemon", false, "Run in background")
	daemonCmd.Flags().Bool("mdns", false, "Advertise the daemon on the local network via mDNS/Bonjour")
	daemonCmd.AddCommand(daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	repo, err := resolveRepoRoot(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(repo)
	if err != nil {
		return err
	}
	if _, err := config.EnsureDir(repo); err != nil {
		return err
	}

	port, _ := cmd.Flags().GetInt("port")
	if !cmd.Flags().Changed("port") {
		port = cfg.DaemonPort
	}
	host, _ := cmd.Flags().GetString("host")
	background, _ := cmd.Flags().GetBool("daemon")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")
	daemonChild := os.Getenv(daemonChildEnv) == "1"

	pidPath, statePath := daemonPIDFilePath(repo), daemonStateFilePath(repo)
	state, running, err := loadDaemonState(pidPath, statePath, isPIDAlive)
	if err != nil {
		return fmt.Errorf("checking existing daemon: %w", err)
	}
	if running && state.PID != os.Getpid() {
		return fmt.Errorf("daemon is already running for %s (pid %d)", repo, state.PID)
	}
	if background && !daemonChild {
		return runDaemonParent(repo)
	}

	d := daemon.New(daemon.Options{RepoRoot: repo, Config: cfg})
	srv := webserver.New(d, webserver.Options{Host: host, Port: port})
	if err := srv.Start(); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			fmt.Fprintf(os.Stderr, "Port %d is already in use.\n", port)
			fmt.Fprintf(os.Stderr, "Try: iterate daemon --port %d\n", port+1)
		}
		return fmt.Errorf("starting daemon: %w", err)
	}

	state = daemonRuntimeState{
		PID:  os.Getpid(),
		URL:  srv.URL(),
		Port: srv.Port(),
		Host: host,
		Repo: repo,
	}
	if err := writeDaemonRuntimeFiles(pidPath, statePath, state); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return fmt.Errorf("writing daemon metadata: %w", err)
	}
	defer func() {
		_ = removeDaemonRuntimeFiles(pidPath, statePath)
	}()

	if !daemonChild {
		fmt.Printf("%siterate daemon%s listening on %s\n", styleBoldCyan, colorReset, state.URL)
		fmt.Printf("Repository: %s\n", repo)
	}

	if enableMDNS {
		mdnsServer, err := webserver.Advertise(filepath.Base(repo), state.Port, state.URL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer shutdownMDNS(mdnsServer)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case <-ctx.Done():
		debug.LogKV("cli", "daemon signalled")
	case <-d.Done():
		debug.LogKV("cli", "daemon shutdown requested over http")
	}
	d.RequestShutdown()
	err = <-runErr

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, fmt.Errorf("shutting down http server: %w", shutdownErr))
	}
	if !daemonChild {
		fmt.Println("Daemon stopped.")
	}
	return err
}

func shutdownMDNS(s *mdns.Server) {
	if err := s.Shutdown(); err != nil {
		debug.LogKV("cli", "mdns shutdown failed", "error", err)
	}
}

func runDaemonParent(repo string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	logPath := filepath.Join(runtimeDir(repo), daemonLogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	childArgs := daemonChildArgs(os.Args[1:])
	childCmd := exec.Command(exe, childArgs...)
	childCmd.Dir = repo
	childCmd.Env = append(debug.PropagatedEnv(os.Environ(), "daemon"), daemonChildEnv+"=1")
	childCmd.Stdin = nil
	childCmd.Stdout = logFile
	childCmd.Stderr = logFile
	childCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := childCmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- childCmd.Wait()
	}()

	state, err := waitForDaemonStartup(repo, waitCh, daemonStartupWait)
	if err != nil {
		return fmt.Errorf("%w (see %s)", err, logPath)
	}

	fmt.Printf("Daemon started in background.\n")
	fmt.Printf("URL: %s\n", state.URL)
	fmt.Printf("PID: %d\n", state.PID)
	fmt.Printf("Log: %s\n", logPath)
	return nil
}

func waitForDaemonStartup(repo string, waitCh <-chan error, timeout time.Duration) (daemonRuntimeState, error) {
	deadline := time.Now().Add(timeout)
	for {
		state, running, err := loadDaemonState(daemonPIDFilePath(repo), daemonStateFilePath(repo), isPIDAlive)
		if err != nil {
			return daemonRuntimeState{}, fmt.Errorf("reading daemon state: %w", err)
		}
		if running && strings.TrimSpace(state.URL) != "" {
			return state, nil
		}

		select {
		case err := <-waitCh:
			if err == nil {
				return daemonRuntimeState{}, fmt.Errorf("daemon exited before startup")
			}
			return daemonRuntimeState{}, fmt.Errorf("daemon exited before startup: %w", err)
		default:
		}

		if time.Now().After(deadline) {
			return daemonRuntimeState{}, fmt.Errorf("timed out waiting for daemon startup")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	repo, err := resolveRepoRoot(cmd)
	if err != nil {
		return err
	}
	pidPath, statePath := daemonPIDFilePath(repo), daemonStateFilePath(repo)
	state, running, err := loadDaemonState(pidPath, statePath, isPIDAlive)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		fmt.Fprintln(cmd.OutOrStdout(), "No daemon running.")
		return nil
	}

	if err := syscall.Kill(state.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sending SIGTERM to daemon pid %d: %w", state.PID, err)
	}

	deadline := time.Now().Add(daemonStopWait)
	for time.Now().Before(deadline) {
		if !isPIDAlive(state.PID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if isPIDAlive(state.PID) {
		if err := syscall.Kill(state.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("sending SIGKILL to daemon pid %d: %w", state.PID, err)
		}
	}

	if err := removeDaemonRuntimeFiles(pidPath, statePath); err != nil {
		return fmt.Errorf("removing daemon runtime metadata: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped.")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	repo, err := resolveRepoRoot(cmd)
	if err != nil {
		return err
	}
	state, running, err := loadDaemonState(daemonPIDFilePath(repo), daemonStateFilePath(repo), isPIDAlive)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon not running.")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Daemon running (PID %d)\n", state.PID)
	if state.URL != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "URL: %s\n", state.URL)
	}

	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), quickRequestTimeout)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Health: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", health.Version)
	fmt.Fprintf(cmd.OutOrStdout(), "Iterations: %d\n", health.Iterations)
	fmt.Fprintf(cmd.OutOrStdout(), "Clients: %d\n", health.Clients)
	return nil
}

func daemonPIDFilePath(repo string) string {
	return filepath.Join(runtimeDir(repo), daemonPIDFileName)
}

func daemonStateFilePath(repo string) string {
	return filepath.Join(runtimeDir(repo), daemonStateFileName)
}

func writeDaemonRuntimeFiles(pidPath, statePath string, state daemonRuntimeState) error {
	if err := writeDaemonPIDFile(pidPath, state.PID); err != nil {
		return err
	}
	if err := writeDaemonRuntimeState(statePath, state); err != nil {
		_ = os.Remove(pidPath)
		return err
	}
	return nil
}

func removeDaemonRuntimeFiles(pidPath, statePath string) error {
	var errs []error
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.Remove(statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func loadDaemonState(pidPath, statePath string, pidAlive func(int) bool) (daemonRuntimeState, bool, error) {
	pid, err := readDaemonPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return daemonRuntimeState{}, false, nil
		}
		return daemonRuntimeState{}, false, err
	}

	if !pidAlive(pid) {
		_ = removeDaemonRuntimeFiles(pidPath, statePath)
		return daemonRuntimeState{}, false, nil
	}

	state, err := readDaemonRuntimeState(statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return daemonRuntimeState{PID: pid}, true, nil
		}
		return daemonRuntimeState{}, false, err
	}

	state.PID = pid
	return state, true, nil
}

func writeDaemonPIDFile(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func readDaemonPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", path)
	}
	return pid, nil
}

func writeDaemonRuntimeState(path string, state daemonRuntimeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readDaemonRuntimeState(path string) (daemonRuntimeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return daemonRuntimeState{}, err
	}
	var state daemonRuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return daemonRuntimeState{}, err
	}
	return state, nil
}

// daemonChildArgs strips --daemon so the background child serves in the
// foreground.
func daemonChildArgs(args []string) []string {
	out := make([]string, 0, len(args))
	skipNext := false
	for i := range args {
		if skipNext {
			skipNext = false
			continue
		}
		arg := args[i]
		if arg == "--daemon" {
			if i+1 < len(args) {
				next := strings.ToLower(strings.TrimSpace(args[i+1]))
				if next == "true" || next == "false" || next == "1" || next == "0" {
					skipNext = true
				}
			}
			continue
		}
		if strings.HasPrefix(arg, "--daemon=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
