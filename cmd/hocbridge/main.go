package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the build.
var version = "dev"

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := defaultServeOptions()

	cmd := &cobra.Command{
		Use:     "hocbridge",
		Short:   "WebSocket bridge supervising PTY-backed coding agents",
		Long:    "hocbridge spawns coding agents in pseudo-terminals rooted at project directories,\nstreams their output to connected clients, and forwards input, resizes, and signals back.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.IntVar(&opts.port, "port", 9000, "listen port")
	f.StringVar(&opts.bind, "bind", "127.0.0.1", "listen address")
	f.StringVar(&opts.token, "token", envOr("HOCBRIDGE_TOKEN", ""), "shared-secret token; empty disables authentication")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.IntVar(&opts.maxAgents, "max-agents", opts.maxAgents, "max concurrent live agents; 0 = unlimited")
	f.IntVar(&opts.maxProjectAgents, "max-project-agents", opts.maxProjectAgents, "max concurrent live agents per project; 0 = unlimited")
	f.StringVar(&opts.agentCommand, "agent-command", envOr("HOCBRIDGE_AGENT", "claude"), "binary launched for each agent")
	f.StringVar(&opts.journalPath, "journal", envOr("HOCBRIDGE_JOURNAL", ""), "sqlite journal path; empty disables run history")
	f.IntVar(&opts.inputRate, "input-rate", 0, "per-connection agent input budget in bytes/sec; 0 = unthrottled")
	f.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")

	cmd.AddCommand(attachCmd(), worktreeCmd(), historyCmd())
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
