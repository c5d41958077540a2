package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/config"
	"github.com/omnisupport/omnisupport-server/internal/log"
	"github.com/omnisupport/omnisupport-server/internal/store/sqlite"
	"github.com/omnisupport/omnisupport-server/internal/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "omnisupport-worker [worker...]",
		Short: "Run background workers (router, webhook, ai, analytics, notification)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = []string{"all"}
			}
			return run(configPath, names)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, names []string) error {
	cfg, path, err := config.Load(nil, configPath)
	if err != nil {
		return err
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("config", path).Strs("workers", names).Msg("starting workers")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := bus.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer rdb.Close()

	deliveries, err := sqlite.New(cfg.DeliveryLogPath)
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	defer deliveries.Close()

	queue := bus.NewQueue(rdb)
	pub := bus.NewPublisher(rdb, cfg.Namespace, logger)

	router := worker.NewRouter(
		bus.NewSubscriber(rdb, logger),
		pub,
		queue,
		worker.NewRedisOperatorDirectory(rdb),
		cfg.Namespace,
		logger,
	)
	webhook := worker.NewWebhookWorker(
		rdb,
		queue,
		worker.NewRedisWebhookDirectory(rdb),
		deliveries,
		logger,
	)
	ai := worker.NewAIWorker(pub, queue, worker.NewHTTPSuggester(cfg.AIServiceURL), logger)
	analytics := worker.NewAnalyticsWorker(
		bus.NewSubscriber(rdb, logger),
		rdb,
		queue,
		cfg.Namespace,
		cfg.AnalyticsInterval,
		logger,
	)
	notification := worker.NewNotificationWorker(queue, &worker.SMTPEmailSender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)

	runner := worker.NewRunner(logger, router, webhook, ai, analytics, notification)
	if err := runner.Run(ctx, names); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info().Msg("workers stopped")
	return nil
}
