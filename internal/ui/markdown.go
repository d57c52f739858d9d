// Package ui provides terminal styling for adferry CLI output.
package ui

import (
	"charm.land/glamour/v2"
	"charm.land/glamour/v2/styles"
	"github.com/muesli/termenv"
)

// RenderMarkdown renders markdown through glamour at terminal width.
// Returns the input unchanged in plain mode, when colors are disabled,
// or if rendering fails; report output must never be lost to styling.
func RenderMarkdown(markdown string) string {
	if Plain() || !ShouldUseColor() {
		return markdown
	}

	style := styles.LightStyle
	if termenv.HasDarkBackground() {
		style = styles.DarkStyle
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(Width()),
	)
	if err != nil {
		return markdown
	}

	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}

	return rendered
}
