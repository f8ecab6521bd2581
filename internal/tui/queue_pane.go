package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/dreammaker/internal/events"
)

// QueuePaneModel shows queue counts and the scheduler's state.
type QueuePaneModel struct {
	pending    int
	processing int
	completed  int
	failed     int
	updatedAt  time.Time

	state     string
	restarts  int
	lastError string
	stateAt   time.Time

	width   int
	height  int
	focused bool

	now func() time.Time
}

// NewQueuePaneModel creates a new queue pane model.
func NewQueuePaneModel() QueuePaneModel {
	return QueuePaneModel{state: "stopped", now: time.Now}
}

// Update handles messages for the queue pane.
func (m QueuePaneModel) Update(msg tea.Msg) (QueuePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.QueueProgressEvent:
		m.pending = msg.Pending
		m.processing = msg.Processing
		m.completed = msg.Completed
		m.failed = msg.Failed
		m.updatedAt = msg.Timestamp

	case events.TaskQueuedEvent:
		m.pending++ // Overwritten by the next progress event

	case events.SchedulerStateEvent:
		m.state = msg.State
		m.restarts = msg.Restarts
		m.stateAt = msg.Timestamp
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
	}

	return m, nil
}

// View renders the queue pane.
func (m QueuePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Queue")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	total := m.pending + m.processing + m.completed + m.failed
	b.WriteString(fmt.Sprintf("Pending:    %s\n", StyleStatusPending.Render(humanize.Comma(int64(m.pending)))))
	b.WriteString(fmt.Sprintf("Processing: %s\n", StyleStatusRunning.Render(humanize.Comma(int64(m.processing)))))
	b.WriteString(fmt.Sprintf("Completed:  %s\n", StyleStatusComplete.Render(humanize.Comma(int64(m.completed)))))
	b.WriteString(fmt.Sprintf("Failed:     %s\n", StyleStatusFailed.Render(humanize.Comma(int64(m.failed)))))
	b.WriteString("\n")

	// Progress bar
	if total > 0 {
		barWidth := min(m.width-14, 40)
		completedWidth := (m.completed * barWidth) / total
		failedWidth := (m.failed * barWidth) / total
		runningWidth := (m.processing * barWidth) / total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s] %s\n\n", bar, humanize.FtoaWithDigits(float64(m.completed*100)/float64(total), 1)+"%"))
	}

	b.WriteString(fmt.Sprintf("Scheduler:  %s\n", stateStyle(m.state).Render(m.state)))
	if !m.stateAt.IsZero() {
		b.WriteString(fmt.Sprintf("Since:      %s\n", humanize.RelTime(m.stateAt, m.now(), "ago", "from now")))
	}
	b.WriteString(fmt.Sprintf("Restarts:   %d\n", m.restarts))
	if m.lastError != "" {
		b.WriteString(fmt.Sprintf("Last error: %s\n", StyleStatusFailed.Render(m.lastError)))
	}
	if !m.updatedAt.IsZero() {
		b.WriteString(StyleHelp.Render(fmt.Sprintf("\nupdated %s", humanize.RelTime(m.updatedAt, m.now(), "ago", "from now"))))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return StyleStatusComplete
	case "recovering":
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}

// SetSize updates the pane dimensions.
func (m *QueuePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *QueuePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
