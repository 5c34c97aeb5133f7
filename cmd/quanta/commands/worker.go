package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/jobs"
	"github.com/quanta/quanta/pkg/registrar"
)

func newWorkerCommand(version string) *cobra.Command {
	var (
		identity      string
		categories    []string
		registrarAt   string
		pollInterval  time.Duration
		clientTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that pulls task items",
		Long: `Run a worker process. The worker leases a storage partition from the
registrar, registers for its categories with the job center and then pulls
and acknowledges the task items assigned to its partition. On shutdown the
registrations are removed and the partition is returned.`,
		Example: `  quanta worker --identity w1 --category thumbnail --category transcode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProcess(ctx, version, "")
			if err != nil {
				return err
			}
			defer p.Close()

			if identity == "" {
				identity = p.cfg.Node.Identity
			}
			if registrarAt == "" {
				registrarAt = registrarAddr(p.cfg.Registrar)
			}
			client := registrar.NewClient(registrarAt, clientTimeout)

			partition, err := client.Add(ctx, engine.WorkerConfig{Identity: identity, Preferences: categories})
			if err != nil {
				return fmt.Errorf("failed to lease a partition: %w", err)
			}
			logger := p.tel.Logger.WithIdentity(identity).WithPartition(partition)
			logger.Info("partition leased")

			center := jobs.NewCenter(p.retrier, p.rt, p.tel, jobs.WithReclaimer(client))
			w := jobs.Worker{Identity: identity, Partition: partition, Categories: categories}

			// The partition must go back even when registration fails.
			cleanup := func() {
				ctx := context.WithoutCancel(ctx)
				if err := center.Unregister(ctx, w); err != nil {
					logger.WithError(err).Error("failed to unregister")
				}
			}
			if err := center.Register(ctx, w); err != nil {
				cleanup()
				return err
			}
			defer cleanup()

			handler := func(ctx context.Context, a *jobs.Assignment) error {
				logger.WithFields(map[string]interface{}{
					"detail":   a.Detail.ID,
					"category": a.Detail.Category,
					"source":   a.Detail.Source,
				}).Info("task received")
				return nil
			}

			sup := engine.NewSupervisor(p.rt, p.tel.Logger, p.tel.Events)
			sup.Add(center.Puller(w, handler, pollInterval))
			p.supervise(ctx, sup)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "worker identity (defaults to node.identity)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "task category to accept (repeatable)")
	cmd.Flags().StringVar(&registrarAt, "registrar", "", "registrar address host:port (defaults to registrar.host/port)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", jobs.DefaultPassInterval, "partition poll interval")
	cmd.Flags().DurationVar(&clientTimeout, "registrar-timeout", registrar.DefaultIOTimeout, "registrar connection timeout")
	_ = cmd.MarkFlagRequired("category")

	return cmd
}
