// Package ui provides terminal styling for adferry CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Ayu theme color palette
// Dark: https://terminalcolors.com/themes/ayu/dark/
// Light: https://terminalcolors.com/themes/ayu/light/
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)

	// HeaderStyle for section headers and table headings.
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

// Status icons used on run summary lines.
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
)

// StatusStyle maps a platform run status onto the palette: completed
// is a pass, skipped a warning, failed and cancelled failures.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return PassStyle
	case "skipped", "running", "pending", "partial":
		return WarnStyle
	case "failed", "cancelled":
		return FailStyle
	default:
		return MutedStyle
	}
}

// StatusIcon is the one-glyph form of StatusStyle.
func StatusIcon(status string) string {
	switch status {
	case "completed":
		return IconPass
	case "skipped":
		return IconSkip
	case "failed", "cancelled":
		return IconFail
	default:
		return IconWarn
	}
}

func render(st lipgloss.Style, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return st.Render(s)
}

func RenderPass(s string) string   { return render(PassStyle, s) }
func RenderWarn(s string) string   { return render(WarnStyle, s) }
func RenderFail(s string) string   { return render(FailStyle, s) }
func RenderMuted(s string) string  { return render(MutedStyle, s) }
func RenderAccent(s string) string { return render(AccentStyle, s) }
func RenderHeader(s string) string { return render(HeaderStyle, s) }

// RenderStatus styles a status word for terminal tables.
func RenderStatus(status string) string {
	return render(StatusStyle(status), status)
}
