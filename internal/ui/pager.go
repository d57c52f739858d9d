// Package ui provides terminal styling and pager support for adferry
// CLI output.
package ui

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// PagerOptions controls pager behavior.
type PagerOptions struct {
	// NoPager disables the pager for this command (--no-pager flag).
	NoPager bool
}

// shouldUsePager is false for --no-pager, ADFERRY_NO_PAGER, plain
// mode, or when stdout is not a terminal (piped output).
func shouldUsePager(opts PagerOptions) bool {
	if opts.NoPager || Plain() {
		return false
	}
	if os.Getenv("ADFERRY_NO_PAGER") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// getPagerCommand checks ADFERRY_PAGER, then PAGER, defaults to less.
func getPagerCommand() string {
	if pager := os.Getenv("ADFERRY_PAGER"); pager != "" {
		return pager
	}
	if pager := os.Getenv("PAGER"); pager != "" {
		return pager
	}
	return "less"
}

func getTerminalHeight() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	_, height, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return height
}

func contentHeight(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}

// ToPager pipes content to a pager when it would scroll off screen,
// printing directly otherwise.
func ToPager(content string, opts PagerOptions) error {
	if !shouldUsePager(opts) {
		fmt.Print(content)
		return nil
	}

	termHeight := getTerminalHeight()
	if termHeight > 0 && contentHeight(content) <= termHeight-1 {
		fmt.Print(content)
		return nil
	}

	pagerCmd := getPagerCommand()
	parts := strings.Fields(pagerCmd)
	if len(parts) == 0 {
		fmt.Print(content)
		return nil
	}

	cmd := exec.Command(parts[0], parts[1:]...) // #nosec G204 - pager command is user-configurable by design
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// -R keeps ANSI colors, -F quits when a screenful fits, -X skips
	// the screen clear on exit.
	if os.Getenv("LESS") == "" {
		cmd.Env = append(os.Environ(), "LESS=-RFX")
	} else {
		cmd.Env = os.Environ()
	}

	return cmd.Run()
}
