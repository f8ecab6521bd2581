// Package tui is the terminal dashboard for a running queue.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dreammaker/internal/events"
	"github.com/aristath/dreammaker/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneQueue
	paneCount
)

// refreshInterval is how often relative ages are redrawn without new events.
const refreshInterval = time.Second

// refreshMsg triggers a redraw of time-dependent text.
type refreshMsg time.Time

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	taskPane    TaskPaneModel
	queuePane   QueuePaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a new dashboard model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(eventBus *events.EventBus) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(),
		queuePane:   NewQueuePaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(events.DefaultBufferSize),
	}
	m.updateFocusStates()
	return m
}

// WithHistory seeds the task table with stored tasks, newest first.
func (m Model) WithHistory(tasks []*scheduler.Task) Model {
	m.taskPane.Seed(tasks)
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), tick())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneQueue
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case refreshMsg:
		m.taskPane, _ = m.taskPane.Update(msg)
		cmds = append(cmds, tick())

	case events.TaskQueuedEvent:
		// Both panes track queued tasks
		m.taskPane, _ = m.taskPane.Update(msg)
		m.queuePane, _ = m.queuePane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.TaskStartedEvent, events.TaskCompletedEvent, events.TaskFailedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.QueueProgressEvent, events.SchedulerStateEvent:
		var cmd tea.Cmd
		m.queuePane, cmd = m.queuePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.queuePane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout gives the task pane 65% of the width and the queue pane the rest.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.queuePane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.queuePane.SetFocused(m.focusedPane == PaneQueue)
}
