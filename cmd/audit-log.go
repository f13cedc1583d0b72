package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/nest-ctl/internal/audit"
)

var auditLogCmd = &cobra.Command{
	Use:   "audit-log <run-dir>",
	Short: "Display the event journal of a provisioning run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditLog,
}

var auditLogRaw bool

func init() {
	auditLogCmd.Flags().BoolVar(&auditLogRaw, "raw", false, "Output events as JSON lines")
	rootCmd.AddCommand(auditLogCmd)
}

func runAuditLog(cmd *cobra.Command, args []string) error {
	dir := args[0]

	entries, err := audit.Events(dir)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		logInfo("No events found in %s", dir)
		return nil
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		if auditLogRaw {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			fmt.Fprintln(out, string(data))
			continue
		}

		ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")
		switch {
		case e.Index == nil:
			fmt.Fprintf(out, "[%s] run     %s\n", ts, e.Run)
		case e.Error != "":
			fmt.Fprintf(out, "[%s] #%-5d  %-20s %s (%s)\n", ts, *e.Index+1, e.Container, e.State, e.Error)
		default:
			fmt.Fprintf(out, "[%s] #%-5d  %-20s %s\n", ts, *e.Index+1, e.Container, e.State)
		}
	}

	return nil
}
