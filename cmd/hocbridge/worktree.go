package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/hocbridge/internal/git"
)

func worktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and provision git worktrees for agent isolation",
	}
	cmd.AddCommand(worktreeListCmd(), worktreeCreateCmd())
	return cmd
}

func worktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list [repo]",
		Short:        "List worktrees of a repository",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := "."
			if len(args) == 1 {
				repo = args[0]
			}
			wts, err := git.ListWorktrees(cmd.Context(), repo)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tBRANCH\tHEAD\tFLAGS")
			for _, wt := range wts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", wt.Path, wt.Branch, shortCommit(wt.Commit), worktreeFlags(wt))
			}
			return tw.Flush()
		},
	}
}

func worktreeCreateCmd() *cobra.Command {
	var basePath string

	cmd := &cobra.Command{
		Use:          "create <repo> <branch>",
		Aliases:      []string{"add"},
		Short:        "Create a worktree for a branch, creating the branch if needed",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, branch := ".", args[0]
			if len(args) == 2 {
				repo, branch = args[0], args[1]
			}
			wt, err := git.CreateWorktree(cmd.Context(), repo, branch, basePath)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", wt.Path, wt.Branch)
			return nil
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "directory to create worktrees under (default: sibling <repo>-worktrees)")
	return cmd
}

func shortCommit(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func worktreeFlags(wt git.Worktree) string {
	var flags []string
	if wt.IsMain {
		flags = append(flags, "main")
	}
	if wt.IsBare {
		flags = append(flags, "bare")
	}
	if wt.IsLocked {
		flags = append(flags, "locked")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
