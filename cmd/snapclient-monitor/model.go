package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/snapclient/snapclient-go/pkg/diagnostics"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(22)
	valueStyle = lipgloss.NewStyle().Bold(true)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type model struct {
	diagCh <-chan diagnostics.Snapshot
	latest diagnostics.Snapshot
	ticks  int
}

func newModel(diagCh <-chan diagnostics.Snapshot) model {
	return model{diagCh: diagCh}
}

func (m model) Init() tea.Cmd {
	return waitForSnapshot(m.diagCh)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.latest = diagnostics.Snapshot(msg)
		m.ticks++
		return m, waitForSnapshot(m.diagCh)
	}
	return m, nil
}

func (m model) View() string {
	s := m.latest
	var b strings.Builder

	fmt.Fprintln(&b, titleStyle.Render("snapclient diagnostics"))
	b.WriteString("\n")
	row(&b, "state", s.State.String())
	row(&b, "endpoint", s.Endpoint.String())
	row(&b, "orphans", fmt.Sprintf("%d", s.OrphanCount))
	row(&b, "force kills", fmt.Sprintf("%d", s.ForceKillCount))
	row(&b, "reconnects", fmt.Sprintf("%d", s.ReconnectCount))
	b.WriteString("\n")
	row(&b, "clock offset (us)", fmt.Sprintf("%d", s.Session.ClockOffsetUs))
	row(&b, "clock drift (ppm)", fmt.Sprintf("%.2f", s.Session.DriftPPM))
	row(&b, "clock resets", fmt.Sprintf("%d", s.Session.ClockResets))
	b.WriteString("\n")
	row(&b, "buffered (ms)", fmt.Sprintf("%d", s.Session.BufferedMs))
	if s.Session.UnderrunUs > 0 {
		b.WriteString(labelStyle.Render("underrun (us)"))
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d", s.Session.UnderrunUs)))
		b.WriteString("\n")
	} else {
		row(&b, "underrun (us)", "0")
	}
	row(&b, "late drops", fmt.Sprintf("%d", s.Session.LateDropCount))
	row(&b, "overflow drops", fmt.Sprintf("%d", s.Session.OverflowDrops))

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("q to quit"))
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}
