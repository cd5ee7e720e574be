package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/hookflow/internal/api"
	"github.com/rendis/hookflow/internal/logging"
	hfmcp "github.com/rendis/hookflow/pkg/mcp"
)

type configLoader func() (Config, error)

func newServeCmd(v *viper.Viper, load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the coordinator and the task scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen-addr", "", "HTTP listen address")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		errc <- a.run(ctx)
		cancel()
	}()
	go func() {
		errc <- api.NewServer(a.svc, logger).Start(ctx, cfg.ListenAddr)
		cancel()
	}()

	logger.Info("hookflow started",
		slog.String("version", version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("store", cfg.DBDriver),
		slog.Bool("redis", cfg.RedisAddr != ""))

	err = errors.Join(<-errc, <-errc)
	logger.Info("hookflow stopped")
	return err
}

func newMCPCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the hookflow tools over MCP stdio, with an in-process coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg)
		},
	}
}

func runMCP(ctx context.Context, cfg Config) error {
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	srv := hfmcp.NewHookflowServer(hfmcp.HookflowServerDeps{Service: a.svc, Logger: logger})
	err = srv.Serve(ctx)
	cancel()
	return errors.Join(err, <-done)
}
