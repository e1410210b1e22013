package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iteratedev/iterate/internal/store"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List iterations",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var newCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create an iteration and wait until its dev server is ready",
	Args:  cobra.ExactArgs(1),
	RunE:  runNew,
}

var rmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Stop an iteration and delete its worktree and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

var pickCmd = &cobra.Command{
	Use:   "pick <name>",
	Short: "Land an iteration on the current branch and remove every iteration",
	Args:  cobra.ExactArgs(1),
	RunE:  runPick,
}

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Show recent dev server output of an iteration",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var commandCmd = &cobra.Command{
	Use:   "command <command>",
	Short: "Create several iterations for one command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommand,
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop every dev server and exit the daemon",
	Args:  cobra.NoArgs,
	RunE:  runShutdown,
}

func init() {
	newCmd.Flags().String("base", "", "Branch to create the iteration from (defaults to the current branch)")
	pickCmd.Flags().String("strategy", "merge", "How to land the iteration: merge, squash or rebase")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show (0 = all)")
	commandCmd.Flags().String("prompt", "", "Prompt recorded with the command")
	commandCmd.Flags().IntP("count", "c", 3, "Number of iterations to create")

	rootCmd.AddCommand(listCmd, newCmd, rmCmd, pickCmd, logsCmd, commandCmd, shutdownCmd)
}

func clientFor(cmd *cobra.Command) (*DaemonClient, error) {
	repo, err := resolveRepoRoot(cmd)
	if err != nil {
		return nil, err
	}
	return connectDaemon(repo)
}

func quickContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), quickRequestTimeout)
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := quickContext(cmd)
	defer cancel()
	iterations, err := client.Iterations(ctx)
	if err != nil {
		return err
	}

	fmt.Println(iterationTable(client.BaseURL, iterations))
	return nil
}

// iterationRows renders iterations sorted by creation time.
func iterationRows(baseURL string, iterations map[string]store.Iteration) [][]string {
	list := make([]store.Iteration, 0, len(iterations))
	for _, it := range iterations {
		list = append(list, it)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Name < list[j].Name
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	rows := make([][]string, 0, len(list))
	for _, it := range list {
		port := "-"
		if it.Port > 0 {
			port = strconv.Itoa(it.Port)
		}
		detail := baseURL + "/" + it.Name + "/"
		if it.Status == store.StatusError {
			detail = colorRed + truncate(firstLine(it.Error), 60) + colorReset
		}
		rows = append(rows, []string{it.Name, statusBadge(it.Status), port, it.Branch, detail})
	}
	return rows
}

func iterationTable(baseURL string, iterations map[string]store.Iteration) string {
	rows := iterationRows(baseURL, iterations)
	if len(rows) == 0 {
		return colorDim + "  (no iterations)" + colorReset
	}
	return strings.Join(tableLines([]string{"NAME", "STATUS", "PORT", "BRANCH", "URL"}, rows), "\n")
}

func runNew(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	base, _ := cmd.Flags().GetString("base")

	name := args[0]
	fmt.Printf("Creating %s%s%s...\n", styleBoldWhite, name, colorReset)
	started := time.Now()
	it, err := client.CreateIteration(cmd.Context(), name, base)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s ready on port %d in %s\n", statusBadge(it.Status), it.Name, it.Port, time.Since(started).Round(100*time.Millisecond))
	fmt.Printf("  %s/%s/\n", client.BaseURL, it.Name)
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := quickContext(cmd)
	defer cancel()
	if err := client.RemoveIteration(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s.\n", args[0])
	return nil
}

func runPick(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	strategy, _ := cmd.Flags().GetString("strategy")
	result, err := client.Pick(cmd.Context(), args[0], strategy)
	if err != nil {
		return err
	}
	fmt.Printf("%sPicked %s%s (%s) at %s\n", colorGreen, result.Picked, colorReset, result.Strategy, truncate(result.Commit, 12))
	fmt.Println("All iterations removed.")
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("lines")
	ctx, cancel := quickContext(cmd)
	defer cancel()
	lines, err := client.Logs(ctx, args[0])
	if err != nil {
		return err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func runCommand(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	prompt, _ := cmd.Flags().GetString("prompt")
	count, _ := cmd.Flags().GetInt("count")
	ctx, cancel := quickContext(cmd)
	defer cancel()
	cc, err := client.RunCommand(ctx, args[0], prompt, count)
	if err != nil {
		return err
	}
	fmt.Printf("Command %s started: %s\n", truncate(cc.CommandID, 8), strings.Join(cc.Iterations, ", "))
	fmt.Println(colorDim + "Run `iterate list` to follow their progress." + colorReset)
	return nil
}

func runShutdown(cmd *cobra.Command, args []string) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := quickContext(cmd)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("Daemon is shutting down.")
	return nil
}

// firstLine returns the first line of a multi-line string.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
