package tui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Interactive reports whether the live progress view can be shown on
// stdout and read keys from stdin.
func Interactive() bool {
	return IsTerminal(os.Stdout) && IsTerminal(os.Stdin)
}
