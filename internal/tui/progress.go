package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentmesh/internal/events"
)

// DefaultBarWidth is the progress bar width when none is set.
const DefaultBarWidth = 40

// Progress tracks one workflow's step completions for display.
type Progress struct {
	name      string
	total     int
	completed int
	failed    int
	last      string
	width     int
}

// NewProgress creates a tracker for a workflow of total steps.
func NewProgress(name string, total int) *Progress {
	return &Progress{name: name, total: total, width: DefaultBarWidth}
}

// SetWidth sets the bar width. Values below 10 are raised to 10.
func (p *Progress) SetWidth(w int) {
	p.width = max(w, 10)
}

// Apply folds a progress event into the tracker.
func (p *Progress) Apply(ev events.WorkflowProgressEvent) {
	if ev.TotalSteps > 0 {
		p.total = ev.TotalSteps
	}
	if ev.Success {
		p.completed++
	} else {
		p.failed++
	}
	p.last = ev.StepID
}

// Done reports how many steps finished, successfully or not.
func (p *Progress) Done() int { return p.completed + p.failed }

// View renders the counts and a bar.
func (p *Progress) View() string {
	var b strings.Builder

	title := StyleTitle.Render(p.name)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")

	pending := max(0, p.total-p.completed-p.failed)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.completed)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.failed)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(pending)))
	if p.last != "" {
		fmt.Fprintf(&b, "Last:      %s\n", p.last)
	}

	if p.total > 0 {
		completedWidth := (p.completed * p.width) / p.total
		failedWidth := (p.failed * p.width) / p.total
		pendingWidth := p.width - completedWidth - failedWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, p.Done(), p.total)
	}
	return b.String()
}
