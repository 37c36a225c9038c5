package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live delivery board",
	Long: `Open a terminal board that polls the project state while a run is
active (in this terminal or another). Shows the kanban columns, the
project counters, and the recent event log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		app := tui.NewApp(st, cfg.ProjectID)
		if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
			return fmt.Errorf("watch ui: %w", err)
		}
		return nil
	},
}
