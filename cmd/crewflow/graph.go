package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewflow/crewflow/runtime/agent/stage"
)

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the stage graph as a Mermaid flowchart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), stage.DefaultRegistry().Mermaid())
			return err
		},
	}
}
