package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/aristath/dreammaker/internal/events"
	"github.com/aristath/dreammaker/internal/scheduler"
)

// maxTrackedTasks bounds how many tasks the pane remembers.
const maxTrackedTasks = 200

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	ID       int64
	OwnerID  int64
	Plan     string
	Status   string // "pending", "processing", "completed", "failed"
	Log      []string
	QueuedAt time.Time
	Duration time.Duration
}

// TaskPaneModel shows recent tasks in a table and the selected task's log.
type TaskPaneModel struct {
	tasks    map[int64]*TaskState
	order    []int64 // Newest first
	table    table.Model
	viewport viewport.Model
	width    int
	height   int
	focused  bool

	// now is the clock for relative ages; tests replace it.
	now func() time.Time
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	t := table.New(
		table.WithColumns(taskColumns(60)),
		table.WithFocused(true),
	)
	s := table.DefaultStyles()
	s.Header = styleTableHeader.Padding(0, 1)
	s.Selected = styleTableSelected
	t.SetStyles(s)

	return TaskPaneModel{
		tasks:    make(map[int64]*TaskState),
		table:    t,
		viewport: viewport.New(0, 0),
		now:      time.Now,
	}
}

func taskColumns(width int) []table.Column {
	fixed := 8 + 8 + 12 + 16
	age := max(width-fixed-6, 10)
	return []table.Column{
		{Title: "Task", Width: 8},
		{Title: "Owner", Width: 8},
		{Title: "Plan", Width: 12},
		{Title: "Status", Width: 16},
		{Title: "Queued", Width: age},
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown, KeyK, KeyUp:
			m.table, cmd = m.table.Update(msg)
			m.updateViewportContent()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskQueuedEvent:
		t := m.track(msg.ID, msg.OwnerID)
		t.Plan = msg.Plan
		t.QueuedAt = msg.Timestamp
		t.Log = append(t.Log, fmt.Sprintf("%s queued (plan %s, priority %d)", clock(msg.Timestamp), msg.Plan, msg.Priority))
		m.refresh()

	case events.TaskStartedEvent:
		t := m.track(msg.ID, msg.OwnerID)
		t.Status = "processing"
		t.Log = append(t.Log, fmt.Sprintf("%s started: %s", clock(msg.Timestamp), msg.Prompt))
		m.refresh()

	case events.TaskCompletedEvent:
		t := m.track(msg.ID, msg.OwnerID)
		t.Status = "completed"
		t.Duration = msg.Duration
		t.Log = append(t.Log, fmt.Sprintf("%s completed in %s -> %s", clock(msg.Timestamp), msg.Duration.Round(time.Millisecond), msg.ResultPath))
		m.refresh()

	case events.TaskFailedEvent:
		t := m.track(msg.ID, msg.OwnerID)
		t.Status = "failed"
		t.Duration = msg.Duration
		t.Log = append(t.Log, fmt.Sprintf("%s failed: %s", clock(msg.Timestamp), msg.Reason))
		m.refresh()

	case refreshMsg:
		m.refresh()
	}

	return m, cmd
}

// Seed loads stored tasks, given newest first, ahead of any live events.
func (m *TaskPaneModel) Seed(tasks []*scheduler.Task) {
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		t := m.track(task.ID, task.OwnerID)
		t.Status = string(task.Status)
		t.QueuedAt = task.QueuedAt
		t.Log = append(t.Log, fmt.Sprintf("%s queued", clock(task.QueuedAt)))
		if task.Status.IsTerminal() && !task.StartedAt.IsZero() {
			t.Duration = task.CompletedAt.Sub(task.StartedAt)
		}
		switch task.Status {
		case scheduler.TaskCompleted:
			t.Log = append(t.Log, fmt.Sprintf("%s completed -> %s", clock(task.CompletedAt), task.ResultPath))
		case scheduler.TaskFailed:
			t.Log = append(t.Log, fmt.Sprintf("%s failed: %s", clock(task.CompletedAt), task.ErrorMessage))
		case scheduler.TaskProcessing:
			t.Log = append(t.Log, fmt.Sprintf("%s started: %s", clock(task.StartedAt), task.Prompt))
		}
	}
	m.refresh()
}

// track returns the state for id, creating it if this is the first event seen.
func (m *TaskPaneModel) track(id, owner int64) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}

	t := &TaskState{ID: id, OwnerID: owner, Status: "pending"}
	m.tasks[id] = t
	m.order = append([]int64{id}, m.order...)
	if len(m.order) > maxTrackedTasks {
		for _, old := range m.order[maxTrackedTasks:] {
			delete(m.tasks, old)
		}
		m.order = m.order[:maxTrackedTasks]
	}
	return t
}

// refresh rebuilds the table rows, keeping the selection on the same task.
func (m *TaskPaneModel) refresh() {
	selected := m.selectedTaskID()

	rows := make([]table.Row, 0, len(m.order))
	cursor := 0
	for i, id := range m.order {
		t := m.tasks[id]
		if id == selected {
			cursor = i
		}
		age := "-"
		if !t.QueuedAt.IsZero() {
			age = humanize.RelTime(t.QueuedAt, m.now(), "ago", "from now")
		}
		plan := t.Plan
		if plan == "" {
			plan = "-"
		}
		rows = append(rows, table.Row{
			strconv.FormatInt(t.ID, 10),
			strconv.FormatInt(t.OwnerID, 10),
			plan,
			StatusIcon(t.Status) + " " + t.Status,
			age,
		})
	}
	m.table.SetRows(rows)
	if len(rows) > 0 {
		m.table.SetCursor(cursor)
	}
	m.updateViewportContent()
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for tasks..."))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Activity"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "processing":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// selectedTaskID returns the task id under the table cursor, or zero.
func (m TaskPaneModel) selectedTaskID() int64 {
	idx := m.table.Cursor()
	if idx >= 0 && idx < len(m.order) {
		return m.order[idx]
	}
	return 0
}

// updateViewportContent shows the selected task's log.
func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("No task selected")
		return
	}
	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions. The table gets the upper 60%.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h

	inner := max(h-4, 6)
	tableHeight := (inner * 60) / 100
	m.table.SetColumns(taskColumns(w - 4))
	m.table.SetWidth(max(w-4, 20))
	m.table.SetHeight(max(tableHeight, 3))

	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(inner-tableHeight-3, 3)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
	if focused {
		m.table.Focus()
	} else {
		m.table.Blur()
	}
}

func clock(t time.Time) string {
	return t.Format("15:04:05")
}
