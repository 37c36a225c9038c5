// Package tui renders the live delivery board for `opensprint watch`.
// It polls the store rather than the in-process bus so it can observe a
// run happening in another process.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/pkg/models"
)

const (
	refreshInterval = time.Second
	eventTail       = 30
)

// Snapshot is one poll of the store.
type Snapshot struct {
	Counters *models.Counters
	Columns  map[models.KanbanColumn][]*models.Task
	Events   []*models.EventLogEntry
	TakenAt  time.Time
}

type refreshMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

// App is the bubbletea model for the watch screen.
type App struct {
	store     *store.Store
	projectID string

	width  int
	height int
	spin   spinner.Model
	snap   Snapshot
	err    error
}

// NewApp creates the watch model.
func NewApp(st *store.Store, projectID string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &App{store: st, projectID: projectID, spin: sp, width: 80, height: 24}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.refresh())
}

// refresh loads a fresh snapshot off the UI goroutine.
func (a *App) refresh() tea.Cmd {
	st, projectID := a.store, a.projectID
	return func() tea.Msg {
		snap, err := takeSnapshot(st, projectID)
		return refreshMsg{snap: snap, err: err}
	}
}

func takeSnapshot(st *store.Store, projectID string) (Snapshot, error) {
	snap := Snapshot{
		Columns: make(map[models.KanbanColumn][]*models.Task),
		TakenAt: time.Now(),
	}

	tasks, err := st.ListTasks(projectID)
	if err != nil {
		return snap, err
	}
	for _, t := range tasks {
		blockers, err := st.GetBlockers(t.ID)
		if err != nil {
			return snap, err
		}
		col := t.Column(len(blockers), false, t.BlockReason != "")
		snap.Columns[col] = append(snap.Columns[col], t)
	}

	counters, err := st.Counters(projectID)
	if err != nil {
		return snap, err
	}
	snap.Counters = counters

	events, err := st.LoadEvents(projectID, eventTail)
	if err != nil {
		return snap, err
	}
	snap.Events = events
	return snap, nil
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return a, tea.Quit
		case "r":
			return a, a.refresh()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case refreshMsg:
		a.err = msg.err
		if msg.err == nil {
			a.snap = msg.snap
		}
		return a, tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		return a, a.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View implements tea.Model.
func (a *App) View() string {
	header := a.headerView()
	board := a.boardView()
	logs := a.logsView()
	help := helpStyle.Render("q quit · r refresh")
	return lipgloss.JoinVertical(lipgloss.Left, header, board, logs, help)
}
