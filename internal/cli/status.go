package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/gomh/pkg/model"
)

var stateOrder = []model.TaskExecState{
	model.TaskStateNone,
	model.TaskStateInProgress,
	model.TaskStateOK,
	model.TaskStateError,
	model.TaskStateSkipped,
}

func newStatusCmd() *cobra.Command {
	var withTasks bool

	cmd := &cobra.Command{
		Use:   "status <execution_id>",
		Short: "Show the state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}

			var status model.ExecutionStatus
			if _, err := client.GetInto(fmt.Sprintf("/api/v1/executions/%d", id), &status); err != nil {
				return fmt.Errorf("get execution: %w", err)
			}

			fmt.Printf("Execution: %d\n", status.ID)
			if status.Name != "" {
				fmt.Printf("  Name:     %s\n", status.Name)
			}
			fmt.Printf("  State:    %s\n", status.State)
			printCounts(status.Counts)
			if status.Error != "" {
				fmt.Printf("  Error:    %s\n", status.Error)
			}
			fmt.Printf("  Created:  %s\n", humanize.Time(status.CreatedAt))
			if status.FinishedAt != nil {
				fmt.Printf("  Finished: %s\n", humanize.Time(*status.FinishedAt))
			}

			if withTasks && len(status.Tasks) > 0 {
				fmt.Println("  Tasks:")
				for _, t := range status.Tasks {
					fmt.Printf("    - %d [%s]: %s", t.TaskID, t.ContextID, t.State)
					if t.Retries > 0 {
						fmt.Printf(" (retries %d)", t.Retries)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&withTasks, "tasks", "t", false, "List every task with its state")
	return cmd
}

func printCounts(counts map[model.TaskExecState]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("  Tasks:    %d total", total)
	for _, s := range stateOrder {
		if n := counts[s]; n > 0 {
			fmt.Printf(", %d %s", n, s)
		}
	}
	fmt.Println()
}

func decodeData(resp *apiResponse, out any) error {
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
