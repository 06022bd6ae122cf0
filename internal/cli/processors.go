package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/gomh/pkg/model"
)

func newProcessorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "processors",
		Aliases: []string{"procs"},
		Short:   "List registered processors",
		RunE: func(cmd *cobra.Command, args []string) error {
			var procs []model.Processor
			if _, err := client.GetInto("/api/v1/processors/", &procs); err != nil {
				return fmt.Errorf("list processors: %w", err)
			}

			if len(procs) == 0 {
				fmt.Println("No processors registered.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tHOST\tSTATE\tCORES\tLAST SEEN")
			for _, p := range procs {
				codes := make([]string, len(p.Cores))
				for i, c := range p.Cores {
					codes[i] = c.Code
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.Name, p.Hostname, p.State, strings.Join(codes, ","), humanize.Time(p.LastSeen))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(newReclaimCmd())
	return cmd
}

func newReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim <processor_id>",
		Short: "Return a processor's in-progress tasks to the runnable set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/processors/"+args[0]+"/reclaim", nil)
			if err != nil {
				return fmt.Errorf("reclaim: %w", err)
			}

			var data struct {
				ProcessorID string `json:"processor_id"`
				Reclaimed   int    `json:"reclaimed"`
			}
			if err := decodeData(resp, &data); err != nil {
				return err
			}
			fmt.Printf("Processor %s: %d task(s) reclaimed\n", data.ProcessorID, data.Reclaimed)
			return nil
		},
	}
}
