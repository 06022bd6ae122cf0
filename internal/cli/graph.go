package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newGraphCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph <execution_id>",
		Short: "Export the execution graph as DOT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}

			dot, err := client.GetRaw(fmt.Sprintf("/api/v1/executions/%d/graph", id))
			if err != nil {
				return fmt.Errorf("export graph: %w", err)
			}

			if outFile == "" {
				fmt.Print(string(dot))
				return nil
			}
			if err := os.WriteFile(outFile, dot, 0o644); err != nil {
				return fmt.Errorf("write graph: %w", err)
			}
			fmt.Printf("Graph written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write DOT to a file instead of stdout")
	return cmd
}
