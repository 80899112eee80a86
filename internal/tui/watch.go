// Package tui renders a live terminal view of one run.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/workflow"
)

// StepState is the watcher's view of one step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

type stepRow struct {
	id     string
	agent  string
	gated  bool
	state  StepState
	detail string
}

type eventMsg struct{ event events.Event }

type streamClosedMsg struct{}

// Watch follows a run's event stream until the run stops or the user quits.
type Watch struct {
	runID      string
	workflowID string
	stream     <-chan events.Event
	spinner    spinner.Model
	rows       []*stepRow
	index      map[string]*stepRow
	status     string
	message    string
	last       events.Event
	finished   bool
	detached   bool
}

// NewWatch builds a watcher for runID. wf may be nil, in which case rows
// appear as steps are dispatched.
func NewWatch(wf *workflow.Workflow, runID string, stream <-chan events.Event) *Watch {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = labelStyleRunning
	w := &Watch{
		runID:   runID,
		stream:  stream,
		spinner: s,
		index:   map[string]*stepRow{},
		status:  "waiting",
	}
	if wf != nil {
		w.workflowID = wf.ID()
		for _, step := range wf.Steps() {
			w.addRow(step.ID, step.Agent, step.Gated())
		}
	}
	return w
}

func (w *Watch) addRow(id, agent string, gated bool) *stepRow {
	row := &stepRow{id: id, agent: agent, gated: gated, state: StepPending}
	w.rows = append(w.rows, row)
	w.index[id] = row
	return row
}

// Finished reports whether the run stopped while being watched.
func (w *Watch) Finished() bool { return w.finished }

// Detached reports whether the user quit before the run stopped.
func (w *Watch) Detached() bool { return w.detached }

// Last returns the final event received.
func (w *Watch) Last() events.Event { return w.last }

// State returns the displayed state of a step.
func (w *Watch) State(stepID string) StepState {
	if row, ok := w.index[stepID]; ok {
		return row.state
	}
	return ""
}

func (w *Watch) next() tea.Cmd {
	stream := w.stream
	return func() tea.Msg {
		ev, ok := <-stream
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.next())
}

func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		switch m.String() {
		case "q", "ctrl+c", "esc":
			w.detached = !w.finished
			return w, tea.Quit
		}
		return w, nil
	case spinner.TickMsg:
		if w.finished {
			return w, nil
		}
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(m)
		return w, cmd
	case eventMsg:
		w.apply(m.event)
		if w.finished {
			return w, tea.Quit
		}
		return w, w.next()
	case streamClosedMsg:
		w.finished = true
		if w.message == "" {
			w.message = "event stream closed"
		}
		return w, tea.Quit
	}
	return w, nil
}

func (w *Watch) apply(ev events.Event) {
	w.last = ev
	if ev.WorkflowID != "" {
		w.workflowID = ev.WorkflowID
	}
	if ev.Status != "" {
		w.status = ev.Status
	}
	var row *stepRow
	if ev.StepID != "" {
		row = w.index[ev.StepID]
		if row == nil {
			row = w.addRow(ev.StepID, ev.Agent, false)
		}
	}
	switch ev.Type {
	case events.StepDispatched:
		row.state = StepRunning
		row.detail = ""
	case events.StepCompleted:
		row.state = StepCompleted
		if ev.Message != "" {
			row.detail = ev.Message
		}
	case events.StepFailed:
		row.state = StepFailed
		row.detail = ev.Message
	case events.StepSkipped:
		row.state = StepSkipped
		row.detail = ev.Message
	case events.GateEvaluated:
		row.gated = true
		if ev.Decision != nil {
			verdict := "failed"
			if ev.Decision.Passed {
				verdict = "passed"
			}
			row.detail = fmt.Sprintf("gate %s, next %s", verdict, ev.Decision.Next)
		}
	case events.RunPaused:
		w.finished = true
		w.message = "paused: " + ev.Message
	case events.RunCompleted:
		w.finished = true
		w.message = "completed"
	case events.RunFailed:
		w.finished = true
		w.message = "failed: " + ev.Message
	case events.CheckpointFailed:
		w.message = "checkpoint failed: " + ev.Message
	}
}

func (w *Watch) View() string {
	title := fmt.Sprintf("Run %s", w.runID)
	if w.workflowID != "" {
		title = fmt.Sprintf("%s · %s", title, w.workflowID)
	}
	lines := make([]string, 0, len(w.rows))
	for _, row := range w.rows {
		lines = append(lines, w.renderRow(row))
	}
	if len(lines) == 0 {
		lines = append(lines, detailTextStyle.Render("No steps yet."))
	}
	status := w.status
	if w.message != "" {
		status = fmt.Sprintf("%s (%s)", status, w.message)
	}
	footer := "Status: " + status
	if !w.finished {
		footer = w.spinner.View() + " " + footer + " · q to detach"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render(title),
		boxStyle.Render(strings.Join(lines, "\n")),
		footerStyle.Render(footer),
	) + "\n"
}

func (w *Watch) renderRow(row *stepRow) string {
	var label string
	switch row.state {
	case StepRunning:
		label = labelStyleRunning.Render("▶ running  ")
	case StepCompleted:
		label = labelStyleCompleted.Render("✓ completed")
	case StepFailed:
		label = labelStyleFailed.Render("✗ failed   ")
	case StepSkipped:
		label = labelStyleSkipped.Render("- skipped  ")
	default:
		label = labelStyleDefault.Render("· pending  ")
	}
	name := row.id
	if row.gated {
		name = labelStyleGate.Render(name)
	}
	text := fmt.Sprintf("%s %s", label, name)
	if row.agent != "" {
		text += detailTextStyle.Render(" [" + row.agent + "]")
	}
	if row.detail != "" {
		text += " " + detailTextStyle.Render(row.detail)
	}
	return text
}
