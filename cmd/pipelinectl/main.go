// Command pipelinectl is the operator CLI for a running pipelined daemon:
// list/show/trigger pipelines and list/show/stop/pause/resume/approve runs
// over the daemon's HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyreflow/pipeliner/internal/pctl"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	serverURL string
	apiToken  string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operate a pipelined daemon",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8787", "pipelined base URL")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("DASHBOARD_API_TOKEN"), "dashboard API token")

	root.AddCommand(newPipelinesCommand())
	root.AddCommand(newRunsCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func client() *pctl.Client {
	return pctl.New(serverURL, pctl.WithAPIToken(apiToken))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print pipelinectl's own version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("pipelinectl %s (commit %s)\n", version, commit)
			return nil
		},
	}
}
