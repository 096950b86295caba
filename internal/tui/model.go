// Package tui renders packing progress as a terminal view.
//
// The packer reports through a pack.Sink; Sink forwards each event to the
// running bubbletea program as an EventMsg.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"packline.ai/internal/pack"
)

const recentLines = 8

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

// EventMsg carries one run event into the program.
type EventMsg pack.Event

// DoneMsg ends the run view.
type DoneMsg struct {
	Report pack.Report
	Err    error
}

// Model is the progress view of a single run.
type Model struct {
	spin   spinner.Model
	cancel context.CancelFunc

	runID     string
	total     int
	spawned   int
	placed    int
	failed    int
	degraded  int
	maxHeight float64
	current   string
	recent    []string

	done     bool
	quitting bool
	err      error
}

// New returns a model. cancel, when set, is called when the user quits.
func New(cancel context.CancelFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle
	return Model{spin: sp, cancel: cancel}
}

func (m Model) Init() tea.Cmd { return m.spin.Tick }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.done {
				return m, tea.Quit
			}
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, nil
		}
	case EventMsg:
		m.apply(pack.Event(msg))
		return m, nil
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m.placed, m.failed, m.degraded = msg.Report.Placed, msg.Report.Failed, msg.Report.Degraded
		m.maxHeight = msg.Report.MaxHeight
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(e pack.Event) {
	switch e.Kind {
	case pack.EventStarted:
		m.runID = e.RunID
		m.total = e.Total
	case pack.EventSpawned:
		m.spawned++
		m.push(detailStyle.Render(fmt.Sprintf("spawned  #%d handle=%d", e.Index, e.Handle)))
	case pack.EventArrived:
		m.current = fmt.Sprintf("box #%d at pick", e.Index)
	case pack.EventPicked:
		m.current = fmt.Sprintf("box #%d lifted", e.Index)
	case pack.EventPlaced:
		m.placed++
		m.maxHeight = e.MaxHeight
		line := fmt.Sprintf("placed   #%d err=(%+.4f, %+.4f)", e.Index, e.ErrorX, e.ErrorY)
		if e.Degraded {
			m.degraded++
			m.push(warnStyle.Render(line + " degraded"))
		} else {
			m.push(okStyle.Render(line))
		}
		m.current = ""
	case pack.EventFailed:
		m.failed++
		m.push(failStyle.Render(fmt.Sprintf("failed   #%d %s: %s", e.Index, e.Phase, e.Err)))
		m.current = ""
	case pack.EventFinished:
		m.maxHeight = e.MaxHeight
	}
}

func (m *Model) push(line string) {
	m.recent = append(m.recent, line)
	if len(m.recent) > recentLines {
		m.recent = m.recent[len(m.recent)-recentLines:]
	}
}

func (m Model) View() string {
	var b strings.Builder
	head := "packing"
	if m.runID != "" {
		head += " " + m.runID
	}
	if m.done {
		b.WriteString(titleStyle.Render(head))
	} else {
		b.WriteString(m.spin.View() + " " + titleStyle.Render(head))
	}
	b.WriteString("\n\n")

	counts := fmt.Sprintf("spawned %d/%d  placed %d  failed %d  degraded %d  max height %.3f",
		m.spawned, m.total, m.placed, m.failed, m.degraded, m.maxHeight)
	body := []string{counts}
	if m.current != "" {
		body = append(body, detailStyle.Render(m.current))
	}
	if len(m.recent) > 0 {
		body = append(body, "", strings.Join(m.recent, "\n"))
	}
	b.WriteString(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body...)))
	b.WriteString("\n")

	switch {
	case m.done && m.err != nil:
		b.WriteString(failStyle.Render("run failed: "+m.err.Error()) + "\n")
	case m.done:
		b.WriteString(okStyle.Render("run finished") + "\n")
	case m.quitting:
		b.WriteString(warnStyle.Render("stopping...") + "\n")
	default:
		b.WriteString(footerStyle.Render("q to stop") + "\n")
	}
	return b.String()
}

// Counts reports placed and failed boxes as seen by the view.
func (m Model) Counts() (placed, failed int) { return m.placed, m.failed }

// Sink forwards run events to a bubbletea program.
type Sink struct{ P *tea.Program }

func (s Sink) Emit(e pack.Event) {
	if s.P != nil {
		s.P.Send(EventMsg(e))
	}
}
