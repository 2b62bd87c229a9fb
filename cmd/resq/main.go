// Command resq runs a resilient queue consumer from a YAML configuration
// file. The built-in processor only logs and accepts each message; it
// exists for operational drain and smoke-test scenarios. Real services
// embed the resq package and supply their own processing function.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	resq "github.com/mqsuite/resq"
	"github.com/mqsuite/resq/config"
	"github.com/mqsuite/resq/messaging"
	"github.com/mqsuite/resq/quarantine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "resq",
		Short:         "Resilient RabbitMQ queue consumer",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())

	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume from the configured queue, logging and accepting every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			sink, err := quarantine.NewQueuePublisher(
				cfg.Endpoints,
				cfg.Quarantine.Queue,
				quarantine.WithConfirmDelivery(cfg.Quarantine.ConfirmDelivery),
				quarantine.WithPublisherLogger(logger),
			)
			if err != nil {
				return err
			}

			process := func(ctx context.Context, payload string, txID string) error {
				logger.Info("drained message", "txId", txID, "bytes", len(payload))
				return nil
			}

			consumer, err := resq.New(cfg, messaging.ProcessFunc(process), sink,
				resq.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting consumer",
				"queue", cfg.Queue.Name,
				"exchange", cfg.Exchange.Name,
				"endpoints", len(cfg.Endpoints))

			return consumer.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "consumer.yaml", "path to consumer configuration")

	return cmd
}

func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a consumer configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: queue %q on %d endpoint(s)\n",
				cfg.Queue.Name, len(cfg.Endpoints))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "consumer.yaml", "path to consumer configuration")

	return cmd
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}
