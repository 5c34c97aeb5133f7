package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quanta/quanta/pkg/frames"
)

func newLineageCommand(version string) *cobra.Command {
	var (
		limit   int
		members bool
	)

	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Show the most recent main frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProcess(ctx, version, "")
			if err != nil {
				return err
			}
			defer p.Close()

			mainFrames, err := frames.Lineage(ctx, p.store, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(mainFrames)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tINDEX\tTIMESTAMP\tAGGREGATE\tMEMBERS")
			for _, mf := range mainFrames {
				count := "-"
				if members {
					ids, err := frames.Members(ctx, p.store, mf.ID)
					if err != nil {
						return err
					}
					count = fmt.Sprint(len(ids))
				}
				index := fmt.Sprint(mf.FrameIndex)
				if mf.Genesis {
					index = "genesis"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
					mf.ID, index, mf.Timestamp.UTC().Format(time.RFC3339Nano), mf.Aggregate, count)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of main frames to show")
	cmd.Flags().BoolVar(&members, "members", false, "count the frame groups of each main frame")

	return cmd
}
