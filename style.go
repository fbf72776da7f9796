package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(18)
	valueStyle = lipgloss.NewStyle().Bold(true)
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
)

// row renders an aligned "label value" line for stats output.
func row(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

func logStyles() *log.Styles {
	s := log.DefaultStyles()
	s.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	s.Values["err"] = lipgloss.NewStyle().Bold(true)
	s.Keys["key"] = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	return s
}
