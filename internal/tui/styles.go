package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#7D56F4")
	warningColor = lipgloss.Color("#FFA500")
	errorColor   = lipgloss.Color("#FF4B4B")
	successColor = lipgloss.Color("#04B575")
	mutedColor   = lipgloss.Color("#666666")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1).
			MarginBottom(1)

	columnHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	readOnlyCellStyle = cellStyle.
				Foreground(mutedColor)

	cursorCellStyle = cellStyle.
			Background(primaryColor).
			Foreground(lipgloss.Color("#FFFFFF"))

	editingCellStyle = cellStyle.
				Underline(true).
				Foreground(successColor)

	statusStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	savingStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	alertStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(warningColor).
			Padding(1, 2).
			MarginTop(1)
)
