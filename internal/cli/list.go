package cli

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/gomh/pkg/model"
)

func newListCmd() *cobra.Command {
	var archived bool
	var state, name string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Long:  "List executions held in memory, or persisted ones with --archived.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/executions/"
			if archived {
				path += fmt.Sprintf("?archived=true&limit=%d&offset=%d", limit, offset)
				if state != "" {
					path += "&state=" + url.QueryEscape(state)
				}
				if name != "" {
					path += "&name=" + url.QueryEscape(name)
				}
			}

			var data []model.ExecutionStatus
			resp, err := client.GetInto(path, &data)
			if err != nil {
				return fmt.Errorf("list executions: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No executions found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tNAME\tTASKS\tDONE\tCREATED")
			for _, s := range data {
				total, done := 0, 0
				for st, n := range s.Counts {
					total += n
					if st.IsFinished() {
						done += n
					}
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
					s.ID, s.State, s.Name, total, done, humanize.Time(s.CreatedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&archived, "archived", false, "List persisted executions, including retired ones")
	cmd.Flags().StringVar(&state, "state", "", "Filter archived executions by state, e.g. FINISHED,BROKEN")
	cmd.Flags().StringVar(&name, "name", "", "Filter archived executions by name prefix")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size for --archived")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset for --archived")
	return cmd
}
