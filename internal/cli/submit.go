package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gomh/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var graphFile string
	var name string
	var id int64

	cmd := &cobra.Command{
		Use:   "submit <execution.yaml>",
		Short: "Start an execution",
		Long: `Start an execution from a YAML or JSON description holding the DOT graph
and the task specs. --graph replaces the inline graph with a DOT file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadExecutionSpec(args[0], graphFile)
			if err != nil {
				return err
			}
			if name != "" {
				spec.Name = name
			}
			if id != 0 {
				spec.ID = id
			}
			logger.Debug("submitting execution", "tasks", len(spec.Tasks), "graph_bytes", len(spec.Graph))

			var status model.ExecutionStatus
			resp, err := client.Post("/api/v1/executions/", spec)
			if err != nil {
				return fmt.Errorf("start execution: %w", err)
			}
			if err := decodeData(resp, &status); err != nil {
				return err
			}

			fmt.Printf("Execution started: %d (state: %s)\n", status.ID, status.State)
			printCounts(status.Counts)
			return nil
		},
	}

	cmd.Flags().StringVarP(&graphFile, "graph", "g", "", "DOT file replacing the inline graph")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Execution name")
	cmd.Flags().Int64Var(&id, "id", 0, "Explicit execution id (default: next free)")
	return cmd
}

// loadExecutionSpec reads an execution description. YAML is a superset
// of JSON so one decoder serves both.
func loadExecutionSpec(path, graphFile string) (*model.ExecutionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read execution: %w", err)
	}
	var spec model.ExecutionSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse execution %s: %w", path, err)
	}
	if graphFile != "" {
		dot, err := os.ReadFile(graphFile)
		if err != nil {
			return nil, fmt.Errorf("read graph: %w", err)
		}
		spec.Graph = string(dot)
	}
	if spec.Graph == "" {
		return nil, fmt.Errorf("execution %s has no graph", path)
	}
	return &spec, nil
}
