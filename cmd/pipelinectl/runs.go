package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control pipeline runs",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsStopCommand())
	cmd.AddCommand(newRunsPauseCommand())
	cmd.AddCommand(newRunsResumeCommand())
	cmd.AddCommand(newRunsApproveCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/runs"
			if limit > 0 {
				path = fmt.Sprintf("%s?limit=%d", path, limit)
			}
			var runs []map[string]any
			if err := client().Get(cmd.Context(), path, &runs); err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs to return")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run, including its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run map[string]any
			if err := client().Get(cmd.Context(), "/api/runs/"+args[0], &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newRunsStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client().Post(cmd.Context(), "/api/runs/"+args[0]+"/stop", nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newRunsPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client().Post(cmd.Context(), "/api/runs/"+args[0]+"/pause", nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newRunsResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or awaiting-approval run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client().Post(cmd.Context(), "/api/runs/"+args[0]+"/resume", nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newRunsApproveCommand() *cobra.Command {
	var reject bool
	var note string

	cmd := &cobra.Command{
		Use:   "approve <run-id> <approval-id>",
		Short: "Resolve a manual approval gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := "approved"
			if reject {
				decision = "rejected"
			}
			body := map[string]string{"decision": decision, "note": note}
			var resp map[string]any
			path := fmt.Sprintf("/api/runs/%s/approvals/%s", args[0], args[1])
			if err := client().Post(cmd.Context(), path, body, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&note, "note", "", "optional note attached to the decision")
	return cmd
}
