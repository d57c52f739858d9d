// Package ui provides terminal styling for adferry CLI output.
package ui

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var plainMode bool

// SetPlain suppresses color and markdown rendering; --json and
// script-friendly paths set it so output stays parseable.
func SetPlain(on bool) { plainMode = on }

// Plain reports whether decorated output is suppressed.
func Plain() bool { return plainMode }

// ShouldUseColor resolves the usual terminal color conventions:
// NO_COLOR always wins, CLICOLOR_FORCE overrides the TTY check,
// CLICOLOR=0 disables, otherwise color needs a real terminal.
func ShouldUseColor() bool {
	if plainMode {
		return false
	}
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if force := os.Getenv("CLICOLOR_FORCE"); force != "" && force != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if termenv.EnvColorProfile() == termenv.Ascii {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Width returns the terminal width capped for readability, or the cap
// when stdout is not a terminal.
func Width() int {
	const maxReadableWidth = 100
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	if w > maxReadableWidth {
		return maxReadableWidth
	}
	return w
}
