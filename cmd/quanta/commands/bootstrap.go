package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/quanta/quanta/pkg/config"
	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/stores"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

const telemetryShutdownTimeout = 5 * time.Second

// process is what every long-running subcommand builds before adding roles.
type process struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	retrier *txn.Retrier
	rt      *engine.RuntimeContext
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configPath); err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openProcess loads configuration and opens telemetry and the store at
// storePath. An empty storePath uses store.path.
func openProcess(ctx context.Context, version, storePath string) (*process, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry.ToTelemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if storePath == "" {
		storePath = cfg.Store.Path
	}
	store, err := stores.Open(ctx, stores.Config{Path: storePath, MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	rt := engine.NewRuntimeContext(cfg.Node.Identity)
	retrier := txn.New(store, txn.Options{
		MaxRetries: cfg.Txn.MaxRetries,
		Delay:      cfg.Txn.Delay,
		Logger:     tel.Logger,
		Metrics:    tel.Metrics,
	})

	return &process{cfg: cfg, tel: tel, store: store, retrier: retrier, rt: rt}, nil
}

func (p *process) Close() {
	if err := p.store.Close(); err != nil {
		p.tel.Logger.WithError(err).Warn("failed to close store")
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := p.tel.Shutdown(ctx); err != nil {
		p.tel.Logger.WithError(err).Warn("telemetry shutdown incomplete")
	}
}

// supervise runs roles until ctx is cancelled, then halts them and waits.
func (p *process) supervise(ctx context.Context, sup *engine.Supervisor) {
	sup.Start(ctx)
	<-ctx.Done()
	p.tel.Logger.Info("halting roles")
	sup.Halt()
	sup.Wait()
}
