package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/opensprint/opensprint/pkg/models"
)

// boardColumns is the display order of the kanban board.
var boardColumns = []models.KanbanColumn{
	models.ColumnBacklog,
	models.ColumnReady,
	models.ColumnInProgress,
	models.ColumnBlocked,
	models.ColumnDone,
}

const maxRowsPerColumn = 10

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	columnTitleStyle = lipgloss.NewStyle().Bold(true)

	columnColors = map[models.KanbanColumn]lipgloss.Color{
		models.ColumnBacklog:    lipgloss.Color("243"),
		models.ColumnReady:      lipgloss.Color("39"),
		models.ColumnInProgress: lipgloss.Color("214"),
		models.ColumnBlocked:    lipgloss.Color("196"),
		models.ColumnDone:       lipgloss.Color("42"),
	}
)

func (a *App) headerView() string {
	title := titleStyle.Render("opensprint")
	status := a.spin.View() + " watching " + a.projectID
	if a.err != nil {
		status = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).
			Render("store error: " + a.err.Error())
	}

	counters := ""
	if c := a.snap.Counters; c != nil {
		counters = dimStyle.Render(fmt.Sprintf(
			"done %d · failed %d · queue %d", c.TotalDone, c.TotalFailed, c.QueueDepth))
	}
	return lipgloss.JoinHorizontal(lipgloss.Center,
		title, "  ", status, "  ", counters)
}

func (a *App) boardView() string {
	colWidth := a.width/len(boardColumns) - 4
	if colWidth < 12 {
		colWidth = 12
	}

	rendered := make([]string, 0, len(boardColumns))
	for _, col := range boardColumns {
		tasks := a.snap.Columns[col]
		head := columnTitleStyle.Foreground(columnColors[col]).
			Render(fmt.Sprintf("%s (%d)", col, len(tasks)))

		lines := []string{head}
		for i, t := range tasks {
			if i == maxRowsPerColumn {
				lines = append(lines, dimStyle.Render(fmt.Sprintf("… %d more", len(tasks)-i)))
				break
			}
			lines = append(lines, clip(t.ID+" "+t.Title, colWidth))
		}
		rendered = append(rendered,
			columnStyle.Width(colWidth).Render(strings.Join(lines, "\n")))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (a *App) logsView() string {
	if len(a.snap.Events) == 0 {
		return dimStyle.Render("no events yet")
	}

	rows := len(a.snap.Events)
	if limit := a.height - lipgloss.Height(a.boardView()) - 4; limit > 0 && rows > limit {
		rows = limit
	}

	var b strings.Builder
	for _, ev := range a.snap.Events[len(a.snap.Events)-rows:] {
		line := fmt.Sprintf("%s  %-16s %s",
			ev.Timestamp.Local().Format("15:04:05"), ev.Event, ev.TaskID)
		b.WriteString(clip(line, a.width-2))
		b.WriteString("\n")
	}
	return dimStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func clip(s string, width int) string {
	if width <= 1 || len(s) <= width {
		return s
	}
	return s[:width-1] + "…"
}
