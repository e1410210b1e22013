package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/iteratedev/iterate/internal/buildinfo"
	"github.com/iteratedev/iterate/internal/debug"
)

// ANSI color codes. Cleared in init when stdout is not a terminal.
var (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorWhite  = "\033[37m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Run several variations of a web app side by side",
	Long: `iterate creates isolated git worktrees of the current project, starts a dev
server for each one behind a single proxy, and lands the variation you pick
back on your branch.

Getting Started:
  iterate daemon                  Start the daemon for this repository
  iterate new hero-a              Create an iteration
  iterate list                    Show iterations and their status
  iterate pick hero-a             Merge hero-a and remove every iteration`,
	Version:       buildinfo.Current().String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		disableColor()
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.iterate/debug/")
	rootCmd.PersistentFlags().String("repo", "", "Repository root (defaults to the enclosing git repository)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "iterate starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

func disableColor() {
	for _, c := range []*string{
		&colorReset, &colorBold, &colorDim, &colorRed, &colorGreen, &colorYellow,
		&colorBlue, &colorWhite, &styleBoldCyan, &styleBoldWhite,
	} {
		*c = ""
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
