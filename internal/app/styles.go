package app

import "github.com/charmbracelet/lipgloss"

var (
	// Text hierarchy
	textPrimaryColor = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#CCCCCC"}
	textMutedColor   = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#696969"}

	// Borders
	borderDefaultColor = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#696969"}
	borderFocusColor   = lipgloss.AdaptiveColor{Light: "#3498DB", Dark: "#89B4FA"}

	// Status
	statusSuccessColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	statusWarningColor = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	statusErrorColor   = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}

	// Diff
	diffAddedColor   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	diffDeletedColor = lipgloss.AdaptiveColor{Light: "#D20F39", Dark: "#F38BA8"}

	statusBarStyle = lipgloss.NewStyle().
			Foreground(textPrimaryColor).
			Background(lipgloss.AdaptiveColor{Light: "#E0E0E0", Dark: "#2D3436"}).
			Padding(0, 1)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderDefaultColor).
			Padding(0, 1)

	paneFocusedStyle = paneStyle.
				BorderForeground(borderFocusColor)

	paneTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(textPrimaryColor)

	mutedStyle = lipgloss.NewStyle().Foreground(textMutedColor)

	successStyle = lipgloss.NewStyle().Foreground(statusSuccessColor)
	warningStyle = lipgloss.NewStyle().Foreground(statusWarningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(statusErrorColor)

	selectedEntryStyle = lipgloss.NewStyle().Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#FFFFFF", Dark: "#FFFFFF"})

	diffAddedStyle   = lipgloss.NewStyle().Foreground(diffAddedColor)
	diffDeletedStyle = lipgloss.NewStyle().Foreground(diffDeletedColor)
	diffEmphasis     = lipgloss.NewStyle().Bold(true).Underline(true)
)
