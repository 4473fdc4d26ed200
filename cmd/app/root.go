package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/timesync"
)

// Version is set at build time with -ldflags "-X github.com/Agrid-Dev/picorelay/cmd/app.Version=...".
var Version = "dev"

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.Default(Version).Error("picorelay failed", "kind", faults.KindOf(err).String(), "error", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "picorelay",
		Short:         "Relay controller with HTTP and MQTT control",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file (.yaml/.yml/.json)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(ntpCmd(&configPath))
	cmd.AddCommand(configCmd(&configPath))
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay controller (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func ntpCmd(configPath *string) *cobra.Command {
	var (
		host     string
		timeout  time.Duration
		setClock bool
	)

	c := &cobra.Command{
		Use:   "ntp",
		Short: "Query the time server once and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			ts := cfg.TimeSync
			if host != "" {
				ts.Host = host
			}
			if timeout > 0 {
				ts.Timeout = timeout
			}

			log := logging.New(cfg.Logging, Version)
			syncer := timesync.New(timesync.Config{
				Host:     ts.Host,
				Port:     ts.Port,
				Timeout:  ts.Timeout,
				Offset:   ts.TimezoneOffset,
				SetClock: setClock,
			}, timesync.SystemClock{}, log)

			if setClock {
				res := syncer.Sync(cmd.Context())
				if res.Err != nil {
					return res.Err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Time.Format(time.RFC3339))
				return nil
			}

			t, err := syncer.Query(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (local clock offset %s)\n", t.Format(time.RFC3339), time.Since(t).Round(time.Millisecond))
			return nil
		},
	}

	c.Flags().StringVar(&host, "host", "", "time server (defaults to time_sync.host)")
	c.Flags().DurationVar(&timeout, "timeout", 0, "query timeout (defaults to time_sync.timeout)")
	c.Flags().BoolVar(&setClock, "set-clock", false, "write the result to the system clock")
	return c
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}
}
