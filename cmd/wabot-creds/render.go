package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/alexsjones/wabot/internal/authbackup"
)

var (
	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#74C7EC"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#A6E3A1"))

	warnStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F9E2AF"))

	failStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F38BA8")).
		Bold(true)

	dimStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#585B70"))
)

func statusStyle(s authbackup.Status) lipgloss.Style {
	switch s {
	case authbackup.StatusValid, authbackup.StatusValidPartial:
		return okStyle
	case authbackup.StatusExpired:
		return warnStyle
	case authbackup.StatusCorrupted, authbackup.StatusUnreadable:
		return failStyle
	default:
		return dimStyle
	}
}

// renderReport prints one row per backup location.
func renderReport(w io.Writer, r authbackup.Report) {
	width := len("LOCATION")
	for _, s := range r.Tiers {
		if len(s.Location) > width {
			width = len(s.Location)
		}
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-*s  %-4s  %s", width, "LOCATION", "KEYS", "STATUS")))
	for _, s := range r.Tiers {
		keys := "-"
		if s.Status != authbackup.StatusNotFound && s.Status != authbackup.StatusCorrupted && s.Status != authbackup.StatusUnreadable {
			keys = fmt.Sprint(s.Keys)
		}
		fmt.Fprintf(w, "%-*s  %-4s  %s\n", width, s.Location, keys, statusStyle(s.Status).Render(s.String()))
	}

	summary := fmt.Sprintf("%d/%d locations hold a valid backup", r.ValidCount, len(r.Tiers))
	if r.ValidCount == 0 {
		fmt.Fprintln(w, failStyle.Render(summary))
		return
	}
	fmt.Fprintln(w, okStyle.Render(summary))
}
