package commands

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/registrar"
)

func newRegistrarCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registrar",
		Short: "Storage-partition registrar",
		Long: `The registrar hands out storage partition ids (W00000, W00001, ...) to
workers and coordinators over TCP and takes them back when they leave.`,
	}

	cmd.AddCommand(newRegistrarServeCommand(version))
	cmd.AddCommand(newRegistrarHaltCommand())

	return cmd
}

func newRegistrarServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registrar until halted",
		Long: `Run the registrar accept loop. The directory lives in registrar.credential_path
when set and in store.path otherwise. Counter and recycle set are
snapshotted to registrar.state_path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openProcess(ctx, version, cfg.Registrar.CredentialPath)
			if err != nil {
				return err
			}
			defer p.Close()

			srv, err := registrar.NewServer(p.cfg.Registrar, p.retrier, p.tel)
			if err != nil {
				return err
			}

			halt := engine.NewHalt()
			go func() {
				<-ctx.Done()
				halt.Signal()
			}()
			return srv.Run(ctx, halt)
		},
	}
}

func newRegistrarHaltCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Ask a running registrar to snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := registrar.NewClient(registrarAddr(cfg.Registrar), timeout)
			if err := client.Halt(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("registrar halted")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", registrar.DefaultIOTimeout, "connection timeout")

	return cmd
}

func registrarAddr(cfg registrar.Config) string {
	host := cfg.Host
	if host == "" {
		host = registrar.DefaultHost
	}
	port := cfg.Port
	if port == 0 {
		port = registrar.DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
