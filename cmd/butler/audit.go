package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var auditJSON bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the permission audit log",
	Long: `Display the append-only permission audit log.

Every tool call resolution is recorded: auto-allowed reads, approved
and denied writes, and hook-blocked calls, with who resolved it and
when. Records are never updated or deleted.

Examples:
  butler audit           # Human-readable log
  butler audit --json    # JSON output
  butler audit --json | jq '.[] | select(.outcome == "denied")'`,
	RunE: runAuditCmd,
}

func init() {
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
}

func runAuditCmd(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No state database. Run 'butler chat' to start a session.")
		return nil
	}
	defer db.Close()

	decisions, err := db.ListDecisions()
	if err != nil {
		return fmt.Errorf("list decisions: %w", err)
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decisions)
	}

	if len(decisions) == 0 {
		fmt.Println("Audit log is empty.")
		return nil
	}
	for _, d := range decisions {
		line := fmt.Sprintf("%s  %-12s  %-6s  %s",
			d.ResolvedAt.Local().Format("2006-01-02 15:04:05"),
			d.Outcome, d.ResolvedBy, d.ToolCallID)
		if d.Reason != "" {
			line += "  (" + d.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}
