package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/jobs"
)

func newSubmitCommand(version string) *cobra.Command {
	var detail engine.TaskDetail

	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Queue a task item with the job center",
		Example: `  quanta submit --category thumbnail --source /data/img/0001.jpg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProcess(ctx, version, "")
			if err != nil {
				return err
			}
			defer p.Close()

			center := jobs.NewCenter(p.retrier, p.rt, p.tel)
			id, err := center.Submit(ctx, detail)
			if err != nil {
				return err
			}

			if jsonOutput {
				detail.ID = id
				return printJSON(detail)
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&detail.Category, "category", "", "task category")
	cmd.Flags().StringVar(&detail.Source, "source", "", "source reference handed to the worker")
	cmd.Flags().StringVar(&detail.ProcessingAddr, "processing-addr", "", "where the worker reports progress")
	cmd.Flags().StringVar(&detail.CompletedAddr, "completed-addr", "", "where the worker reports completion")
	cmd.Flags().StringVar(&detail.ReplyAddr, "reply-addr", "", "where results are sent")

	return cmd
}
