package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette (ANSI 256)
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorRunning = lipgloss.Color("214")
	colorSuccess = lipgloss.Color("42")
	colorFailure = lipgloss.Color("196")
)

// Pane borders
var (
	StyleFocusedBorder   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent)
	StyleUnfocusedBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted)
)

// Task status colors
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorRunning).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorFailure).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)
)

var (
	StyleTitle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	styleTableHeader   = lipgloss.NewStyle().Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(colorMuted)
	styleTableSelected = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(colorAccent)
)
