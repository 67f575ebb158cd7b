package render

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
	debugColor   = lipgloss.Color("#3B82F6") // Blue
)

// Styles used by table output. The zero value renders plain text.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	levels  map[string]lipgloss.Style
}

// Level returns the style for a console level name.
func (s Styles) Level(level string) lipgloss.Style {
	if style, ok := s.levels[level]; ok {
		return style
	}
	return lipgloss.NewStyle()
}

// ColorStyles returns the colored styles used on terminals.
func ColorStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(primaryColor),
		Label:   lipgloss.NewStyle().Foreground(mutedColor),
		Success: lipgloss.NewStyle().Foreground(successColor),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(errorColor),
		levels: map[string]lipgloss.Style{
			"log":   lipgloss.NewStyle().Foreground(mutedColor),
			"info":  lipgloss.NewStyle().Foreground(successColor),
			"warn":  lipgloss.NewStyle().Foreground(warningColor),
			"error": lipgloss.NewStyle().Foreground(errorColor),
			"debug": lipgloss.NewStyle().Foreground(debugColor),
			"trace": lipgloss.NewStyle().Foreground(debugColor),
		},
	}
}

// PlainStyles returns styles that add no escape codes.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Title: plain, Label: plain, Success: plain, Error: plain}
}
