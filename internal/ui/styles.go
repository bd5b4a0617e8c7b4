// Package ui renders CLI output: styled when attached to a terminal, plain
// text otherwise.
package ui

import "github.com/charmbracelet/lipgloss"

// Color palette, single amber accent.
const (
	ColorAmber    = "214" // Primary accent
	ColorWhite    = "255" // Headers
	ColorGray     = "245" // Secondary text
	ColorDarkGray = "238" // Separators
	ColorRed      = "196" // Errors
)

// Styles holds the lipgloss styles used by the renderer.
type Styles struct {
	Header lipgloss.Style
	Title  lipgloss.Style
	Score  lipgloss.Style
	Body   lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
}

// DefaultStyles returns the styled components for terminal output.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorWhite)),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAmber)),
		Score:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Body:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorWhite)),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Error:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorRed)),
	}
}
