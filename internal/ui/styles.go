// Package ui implements the relay-peer terminal interface.
package ui

import "github.com/charmbracelet/lipgloss"

// Lipgloss styles
var (
	DocStyle     = lipgloss.NewStyle().Margin(1, 2)
	TitleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("228")).Bold(true).Render
	BoxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())
	PromptStyle  = lipgloss.NewStyle().MarginTop(1)
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	DimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	ChannelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	AckStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	OutStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	MirrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)
