package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/x1erra/xierraxyz/internal/config"
	"github.com/x1erra/xierraxyz/internal/hertzapi"
	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/rooms"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:           "theatre",
		Short:         "Local watch-party node: joins rooms and serves the player UI API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			logging.Init(cfg.Log)
			if err := run(cmd.Context(), cfg); err != nil {
				logger := logging.L()
				logger.Error().Err(err).Msg("theatre stopped with error")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.L()

	dialer, closeDialer, err := newDialer(ctx, cfg.Transport)
	if err != nil {
		return err
	}
	defer closeDialer()

	manager := rooms.NewManager(dialer, roomOptions(cfg))

	h := server.Default(server.WithHostPorts(cfg.Server.Addr()))
	hertzapi.NewRouter(h, manager, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr()).
			Str(logging.FieldDriver, cfg.Transport.Driver).
			Msg("starting node api")
		if err := h.Run(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("node api listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down node")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := manager.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := h.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("node stopped")
	return nil
}

func roomOptions(cfg *config.Config) rooms.Options {
	opts := rooms.DefaultOptions()
	opts.RequestDelay = cfg.Bootstrap.RequestDelay
	opts.PushDelay = cfg.Bootstrap.PushDelay
	opts.AntiEntropyInterval = cfg.Bootstrap.AntiEntropyInterval
	if cfg.Room.MaxChatHistory > 0 {
		opts.MaxChatHistory = cfg.Room.MaxChatHistory
	}
	opts.DefaultUsername = cfg.Room.Username
	return opts
}
