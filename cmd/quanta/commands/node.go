package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quanta/quanta/pkg/aggregate"
	"github.com/quanta/quanta/pkg/api"
	"github.com/quanta/quanta/pkg/config"
	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/execqueue"
	"github.com/quanta/quanta/pkg/frames"
	"github.com/quanta/quanta/pkg/ingest"
	"github.com/quanta/quanta/pkg/jobs"
)

func newNodeCommand(version string) *cobra.Command {
	var ingestFile string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the roles of one node",
		Long: `Run every role listed in node.roles under one supervisor.

Roles:
  tick       one frame tick per source type (image, audio, motion)
  fuse       fuses frame groups into main frames; run exactly one per store
  assign     job center assignment passes
  ingest     writes source records read as JSON lines from --ingest-file
  aggregate  persists the global aggregate
  execqueue  runs follow-up work with load shedding

The admin API is served on api.addr unless it is empty.`,
		Example: `  # Run the default roles against ./quanta.db
  quanta node

  # Ingest readings piped from a device adapter
  adapter | quanta node -c node.yaml --ingest-file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProcess(ctx, version, "")
			if err != nil {
				return err
			}
			defer p.Close()
			cfg := p.cfg

			window := aggregate.NewWindow(cfg.Aggregate.Window)
			if v, found, err := aggregate.Load(ctx, p.store); err != nil {
				return err
			} else if found {
				window.Submit(v)
			}

			queue := execqueue.New(execqueue.Options{
				HighWater:    cfg.ExecQueue.HighWater,
				DropLimit:    cfg.ExecQueue.DropLimit,
				PollInterval: cfg.ExecQueue.PollInterval,
				Logger:       p.tel.Logger,
				Metrics:      p.tel.Metrics,
				Counters:     p.rt.Counters,
			})

			var enqueuer frames.Enqueuer
			if cfg.Node.Enabled(config.RoleExecQueue) {
				enqueuer = queue
			}
			pipeline, err := frames.New(frames.Config{
				Quantum:      cfg.Frames.Quantum,
				PollInterval: cfg.Frames.PollInterval,
			}, p.retrier, p.rt, window, enqueuer, p.tel)
			if err != nil {
				return err
			}

			sup := engine.NewSupervisor(p.rt, p.tel.Logger, p.tel.Events)
			if cfg.Node.Enabled(config.RoleTick) {
				for _, t := range engine.SourceTypes {
					sup.Add(pipeline.Tick(t))
				}
			}
			if cfg.Node.Enabled(config.RoleFuse) {
				sup.Add(pipeline.Fuser())
			}
			if cfg.Node.Enabled(config.RoleAssign) {
				center := jobs.NewCenter(p.retrier, p.rt, p.tel)
				sup.Add(center.AssignRole(cfg.Jobs.PassInterval))
			}
			if cfg.Node.Enabled(config.RoleAggregate) {
				sup.Add(aggregate.NewPersister(window, p.retrier, cfg.Aggregate.PersistInterval, p.tel))
			}
			if cfg.Node.Enabled(config.RoleExecQueue) {
				sup.Add(queue)
			}
			if cfg.Node.Enabled(config.RoleIngest) {
				var r io.Reader = os.Stdin
				if ingestFile != "-" {
					f, err := os.Open(ingestFile)
					if err != nil {
						return fmt.Errorf("failed to open ingest file: %w", err)
					}
					defer f.Close()
					r = f
				}
				sup.Add(ingest.New("lines", ingest.NewLineSource(r), p.retrier, p.rt, window, p.tel))
			}
			if cfg.API.Addr != "" {
				sup.Add(api.NewServer(cfg.API.Addr, api.Deps{
					Store:     p.store,
					Health:    p.store,
					Status:    sup,
					Runtime:   p.rt,
					Aggregate: window,
					Queue:     queue,
					Telemetry: p.tel,

					AllowedOrigins: cfg.API.CORSOrigins,
				}))
			}

			if configPath != "" {
				if err := config.Watch(ctx, configPath, p.tel.Logger, config.ApplyLogLevel); err != nil {
					p.tel.Logger.WithError(err).Warn("config reload disabled")
				}
			}

			p.tel.Logger.WithIdentity(cfg.Node.Identity).
				WithField("roles", cfg.Node.Roles).
				WithField("store", cfg.Store.Path).
				Info("node starting")
			p.supervise(ctx, sup)
			return nil
		},
	}

	cmd.Flags().StringVar(&ingestFile, "ingest-file", "-", "JSON lines source for the ingest role (- for stdin)")

	return cmd
}
