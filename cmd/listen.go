package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
	"tgrelay/pkg/channel/telegram"
	"tgrelay/pkg/config"
	"tgrelay/pkg/gateway"
	"tgrelay/pkg/logger"
	"tgrelay/pkg/observability"
	"tgrelay/pkg/publisher"
	"tgrelay/pkg/relay"

	"github.com/spf13/cobra"
)

const (
	telegramChannelName = "telegram"
	shutdownTimeout     = 5 * time.Second
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen for Telegram messages and forward them",
	Long:  "Connects to Telegram, forwards every incoming message to the configured publishers, and serves /health.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, log, err := loadRuntime("cmd.listen")
		if err != nil {
			return err
		}

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Listener configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		telemetry, err := observability.New(cfg.Telemetry)
		if err != nil {
			log.Error("Failed to initialize telemetry", "error", err)
			return err
		}
		defer shutdownTelemetry(telemetry, log)

		publishers, err := publisher.Build(cfg.Publishers, slog.Default())
		if err != nil {
			log.Error("Failed to configure publishers", "error", err)
			return err
		}
		defer func() {
			if err := publisher.CloseAll(publishers); err != nil {
				log.Warn("Failed to close publishers", "error", err)
			}
		}()

		mb := bus.NewMessageBus()
		defer mb.Close()

		dispatcher := relay.New(publishers,
			relay.WithLogger(slog.Default()),
			relay.WithTelemetry(telemetry),
			relay.WithBus(mb),
		)

		svc, err := gateway.NewService(cfg, adapters, dispatcher, mb, slog.Default())
		if err != nil {
			log.Error("Failed to initialize listener", "error", err)
			return err
		}

		log.Info("Listener started",
			"channels", enabledChannelNames(adapters),
			"publishers", strings.Join(publisher.Names(publishers), ","),
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Listener failed", "error", err)
			return err
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

// loadRuntime loads and validates config and installs the default logger.
func loadRuntime(component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, slog.Default().With("component", component), nil
}

func shutdownTelemetry(telemetry *observability.Telemetry, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := telemetry.Shutdown(ctx); err != nil {
		log.Warn("Failed to flush telemetry", "error", err)
	}
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
