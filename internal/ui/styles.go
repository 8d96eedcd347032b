// Package ui renders nest's terminal output.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			Underline(true)

	priorityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	tagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	overdueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Strikethrough(true)
)

// Setup picks the colour profile for out. Output that is not a terminal,
// or any output when NO_COLOR is set, gets plain text.
func Setup(out io.Writer) {
	lipgloss.SetColorProfile(profileFor(out))
}

func profileFor(out io.Writer) termenv.Profile {
	if os.Getenv("NO_COLOR") != "" || !IsTerminal(out) {
		return termenv.Ascii
	}
	return termenv.NewOutput(out).EnvColorProfile()
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w interface{}) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// RenderAccent highlights s.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks s as a success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks s as a failure.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted de-emphasizes s.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section heading.
func RenderHeader(s string) string { return headerStyle.Render(s) }
