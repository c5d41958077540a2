package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omnisupport/omnisupport-server/internal/app"
	"github.com/omnisupport/omnisupport-server/internal/config"
	"github.com/omnisupport/omnisupport-server/internal/log"
)

func main() {
	var configPath string
	overrides := config.Config{}

	root := &cobra.Command{
		Use:   "omnisupport-server",
		Short: "Realtime event distribution server",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.Load(nil, configPath)
			if err != nil {
				return err
			}
			cfg.UpdateFrom(overrides)

			logger := log.New(cfg.LogLevel, cfg.LogFormat)
			logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting omnisupport server")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	serve.Flags().StringVar(&configPath, "config", "", "path to config file")
	serve.Flags().StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	serve.Flags().StringVar(&overrides.RedisURL, "redis-url", "", "broker connection URL")
	serve.Flags().StringVar(&overrides.Namespace, "namespace", "", "event channel namespace")
	serve.Flags().StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
