package tui

import "github.com/charmbracelet/lipgloss"

var (
	labelStyleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate      = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	boxStyle            = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	footerStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
)
