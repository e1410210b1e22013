package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/store"
)

// resolveRepoRoot returns --repo when given, otherwise the top level of the
// git repository enclosing the working directory.
func resolveRepoRoot(cmd *cobra.Command) (string, error) {
	if repo, _ := cmd.Flags().GetString("repo"); strings.TrimSpace(repo) != "" {
		abs, err := filepath.Abs(strings.TrimSpace(repo))
		if err != nil {
			return "", fmt.Errorf("resolving --repo: %w", err)
		}
		return filepath.Clean(abs), nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("not inside a git repository (%s)", strings.TrimSpace(string(out)))
	}
	return filepath.Clean(strings.TrimSpace(string(out))), nil
}

// runtimeDir returns <repo>/.iterate, where the daemon keeps its pid and
// state files.
func runtimeDir(repo string) string {
	return config.Dir(repo)
}

// statusColor returns an ANSI color code for an iteration status.
func statusColor(status store.Status) string {
	switch status {
	case store.StatusReady:
		return colorGreen
	case store.StatusCreating, store.StatusInstalling, store.StatusStarting:
		return colorYellow
	case store.StatusError:
		return colorRed
	case store.StatusStopped:
		return colorDim
	default:
		return colorWhite
	}
}

// statusBadge returns a colored status badge.
func statusBadge(status store.Status) string {
	return fmt.Sprintf("%s[%s]%s", statusColor(status), status, colorReset)
}

// tableLines lays out headers and rows in padded columns, ignoring ANSI
// codes when measuring.
func tableLines(headers []string, rows [][]string) []string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if n := len(stripAnsi(cell)); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}

	lines := make([]string, 0, len(rows)+2)
	headerLine := "  "
	for i, h := range headers {
		headerLine += fmt.Sprintf("%s%-*s%s", colorBold, widths[i]+2, h, colorReset)
	}
	lines = append(lines, headerLine)

	sepLine := "  "
	for _, w := range widths {
		sepLine += colorDim + strings.Repeat("-", w+2) + colorReset
	}
	lines = append(lines, sepLine)

	for _, row := range rows {
		rowLine := "  "
		for i, cell := range row {
			if i < len(widths) {
				padding := max(widths[i]-len(stripAnsi(cell)), 0)
				rowLine += cell + strings.Repeat(" ", padding+2)
			}
		}
		lines = append(lines, strings.TrimRight(rowLine, " "))
	}
	return lines
}

// stripAnsi removes ANSI escape codes from a string (for width calculation).
func stripAnsi(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// truncate truncates a string to a given max length, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
