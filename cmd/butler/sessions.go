package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/pkg/models"
)

var sessionsState string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Long: `List sessions recorded in the project state database.

Shows each session's id, lifecycle state, start time, last activity,
and token usage. Use --state to filter by lifecycle state.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsState, "state", "", "Filter by state (active, suspended, terminated, ...)")
}

func runSessions(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No state database. Run 'butler chat' to start a session.")
		return nil
	}
	defer db.Close()

	var filter *models.SessionState
	if sessionsState != "" {
		st := models.SessionState(sessionsState)
		if !st.Valid() {
			return fmt.Errorf("unknown state %q", sessionsState)
		}
		filter = &st
	}

	sessions, err := db.ListSessions(filter)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	fmt.Printf("%-36s  %-21s  %-16s  %-16s  %s\n", "ID", "STATE", "STARTED", "LAST ACTIVITY", "TOKENS IN/OUT")
	for _, s := range sessions {
		fmt.Printf("%-36s  %-21s  %-16s  %-16s  %d/%d\n",
			s.ID, s.State,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.LastActivityAt.Local().Format("2006-01-02 15:04"),
			s.TokensIn, s.TokensOut)
	}
	return nil
}

// openProjectDB opens the project state database, or returns nil if
// none exists yet.
func openProjectDB() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
