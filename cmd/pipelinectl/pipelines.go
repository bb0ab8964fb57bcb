package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newPipelinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipelines",
		Aliases: []string{"pipeline", "pl"},
		Short:   "Inspect and trigger pipelines",
	}

	cmd.AddCommand(newPipelinesListCommand())
	cmd.AddCommand(newPipelinesShowCommand())
	cmd.AddCommand(newPipelinesTriggerCommand())
	cmd.AddCommand(newPipelinesSmartRunPlanCommand())

	return cmd
}

func newPipelinesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pipelines []map[string]any
			if err := client().Get(cmd.Context(), "/api/pipelines", &pipelines); err != nil {
				return err
			}
			return printJSON(pipelines)
		},
	}
}

func newPipelinesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show one pipeline's definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p map[string]any
			if err := client().Get(cmd.Context(), "/api/pipelines/"+args[0], &p); err != nil {
				return err
			}
			return printJSON(p)
		},
	}
}

func newPipelinesTriggerCommand() *cobra.Command {
	var task string
	var persist bool

	cmd := &cobra.Command{
		Use:   "trigger <pipeline-id>",
		Short: "Launch a run for a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"task": task, "persistSensitive": persist}
			var resp map[string]any
			err := client().Post(cmd.Context(), "/api/pipelines/"+args[0]+"/runs", body, &resp)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task text passed to the run")
	cmd.Flags().BoolVar(&persist, "persist-sensitive", false, "persist detected sensitive inputs to the secure vault")
	return cmd
}

func newPipelinesSmartRunPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <pipeline-id>",
		Short: "Evaluate the smart run plan without launching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan map[string]any
			if err := client().Post(cmd.Context(), "/api/pipelines/"+args[0]+"/smart-run-plan", nil, &plan); err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
