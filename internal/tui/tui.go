// Package tui provides the Bubble Tea shell for watching a capture
// run. It consumes the player's progress stream and exits when the
// stream closes.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/audiolibrelab/stemcapture/internal/audio"
	"github.com/audiolibrelab/stemcapture/internal/capture"
	"github.com/audiolibrelab/stemcapture/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178")).
			Bold(true)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	meterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))
)

type passResult struct {
	stem *session.Stem
	diag *capture.Diagnostic
}

// Model is the capture progress view. q or Ctrl+C cancels the run and
// keeps watching until the player has finished aborting, so the
// hardware is never abandoned mid-pass.
type Model struct {
	events <-chan capture.Progress
	cancel context.CancelFunc

	total      int
	index      int
	track      int
	state      capture.State
	confidence string
	levels     audio.Levels
	notice     string
	results    map[int]passResult
	runDiag    *capture.Diagnostic
	captured   []int
	failed     []int
	finished   bool
	cancelling bool

	bar   progress.Model
	width int
}

// New builds a model over a capture run's progress stream. cancel is
// called when the operator quits mid-run.
func New(events <-chan capture.Progress, cancel context.CancelFunc, totalTracks int) Model {
	return Model{
		events:  events,
		cancel:  cancel,
		total:   totalTracks,
		results: make(map[int]passResult),
		bar:     progress.New(progress.WithDefaultGradient()),
		width:   80,
	}
}

type progressMsg capture.Progress

type streamClosedMsg struct{}

func listen(events <-chan capture.Progress) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return progressMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return listen(m.events)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.cancelling {
				m.cancelling = true
				m.cancel()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-4, 60)
		return m, nil

	case progressMsg:
		m.apply(capture.Progress(msg))
		return m, listen(m.events)

	case streamClosedMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(ev capture.Progress) {
	switch ev.Kind {
	case capture.ProgressPartReload:
		m.notice = ev.Message
		if ev.Total > 0 {
			m.total = ev.Total
		}

	case capture.ProgressPassStarted:
		m.index = ev.Index
		m.track = ev.Track
		m.state = ev.State
		m.confidence = ""
		m.levels = audio.Levels{}

	case capture.ProgressStateChanged:
		m.index = ev.Index
		m.track = ev.Track
		m.state = ev.State

	case capture.ProgressLevels:
		m.levels = ev.Levels

	case capture.ProgressDegraded:
		m.confidence = ev.Confidence

	case capture.ProgressPassCompleted:
		m.results[ev.Track] = passResult{stem: ev.Stem}
		m.captured = append(m.captured, ev.Track)

	case capture.ProgressPassFailed:
		if ev.Track > 0 {
			m.results[ev.Track] = passResult{diag: ev.Diagnostic}
			m.failed = append(m.failed, ev.Track)
		} else {
			m.runDiag = ev.Diagnostic
		}

	case capture.ProgressRunCompleted:
		m.captured = ev.Captured
		m.failed = ev.Failed
		m.index = 0
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("stemcapture") + "\n\n")

	if m.notice != "" && !m.finished {
		b.WriteString(noticeStyle.Render("! "+m.notice) + "\n\n")
	}

	percent := 0.0
	if m.total > 0 {
		percent = float64(len(m.captured)+len(m.failed)) / float64(m.total)
	}
	b.WriteString(m.bar.ViewAs(percent) + "\n\n")

	if m.index > 0 && !m.finished {
		b.WriteString(fmt.Sprintf("Pass %d/%d  track %d  %s\n",
			m.index, m.total, m.track, stateStyle.Render(string(m.state))))
		if m.confidence == session.ConfidenceDegraded {
			b.WriteString(warnStyle.Render("  degraded alignment: no transport echo") + "\n")
		}
		b.WriteString("  L " + meter(m.levels.MainL, 30) + "\n")
		b.WriteString("  R " + meter(m.levels.MainR, 30) + "\n")
		b.WriteString("\n")
	}

	for _, track := range sortedTracks(m.results) {
		r := m.results[track]
		switch {
		case r.stem != nil:
			line := fmt.Sprintf("%s track %d  %s  offset %.3fs",
				okStyle.Render("✓"), track, r.stem.File, r.stem.Offset)
			if r.stem.AlignmentConfidence == session.ConfidenceDegraded {
				line += "  " + warnStyle.Render("(degraded)")
			}
			b.WriteString(line + "\n")
		case r.diag != nil:
			b.WriteString(fmt.Sprintf("%s track %d  %v\n",
				failStyle.Render("✗"), track, r.diag))
		}
	}

	if m.runDiag != nil {
		b.WriteString(failStyle.Render(fmt.Sprintf("Capture failed: %v", m.runDiag)) + "\n")
	}

	switch {
	case m.finished:
		b.WriteString("\n" + fmt.Sprintf("Done: %d captured, %d failed\n",
			len(m.captured), len(m.failed)))
	case m.cancelling:
		b.WriteString("\n" + warnStyle.Render("Cancelling, leaving the device muted...") + "\n")
	default:
		b.WriteString(dimStyle.Render("\nq cancel\n"))
	}

	return b.String()
}

// meter renders a peak dBFS reading as a fixed-width bar spanning
// -60 dBFS to full scale.
func meter(db float64, width int) string {
	v := (db + 60) / 60
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	filled := int(v*float64(width) + 0.5)
	return meterStyle.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", width-filled))
}

func sortedTracks(results map[int]passResult) []int {
	tracks := make([]int, 0, len(results))
	for track := range results {
		tracks = append(tracks, track)
	}
	sort.Ints(tracks)
	return tracks
}
