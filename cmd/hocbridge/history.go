package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/hocbridge/internal/history"
)

func historyCmd() *cobra.Command {
	var (
		journalPath string
		limit       int
	)

	cmd := &cobra.Command{
		Use:          "history",
		Short:        "Show recent agent runs from the journal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				return errors.New("no journal configured; pass --journal or set HOCBRIDGE_JOURNAL")
			}
			store, err := history.Open(journalPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()

			runs, err := store.Recent(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tPROJECT\tPRESET\tSPAWNED\tOUTCOME")
			for _, run := range runs {
				preset := run.Preset
				if preset == "" {
					preset = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					shortID(run.AgentID),
					run.ProjectPath,
					preset,
					run.SpawnedAt.Local().Format("2006-01-02 15:04:05"),
					runOutcome(run),
				)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&journalPath, "journal", envOr("HOCBRIDGE_JOURNAL", ""), "sqlite journal path")
	f.IntVar(&limit, "limit", 20, "rows to show")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runOutcome(run history.Run) string {
	if run.ExitedAt == nil {
		return "running"
	}
	if run.ExitCode != nil {
		return fmt.Sprintf("exit %d (%s)", *run.ExitCode, run.ExitReason)
	}
	if run.ExitReason != "" {
		return run.ExitReason
	}
	return "exited"
}
