package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <execution_id> <task_id>",
		Short: "Re-run a task and everything downstream of it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}
			tid, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[1])
			}

			resp, err := client.Put(fmt.Sprintf("/api/v1/executions/%d/tasks/%d/reset", id, tid), nil)
			if err != nil {
				return fmt.Errorf("reset task: %w", err)
			}

			var data struct {
				ExecutionID int64   `json:"execution_id"`
				Reset       []int64 `json:"reset"`
			}
			if err := decodeData(resp, &data); err != nil {
				return err
			}

			fmt.Printf("Execution %d: %d task(s) reset\n", data.ExecutionID, len(data.Reset))
			for _, t := range data.Reset {
				fmt.Printf("  - %d\n", t)
			}
			return nil
		},
	}
}
