package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/medprepa/tally"
	"github.com/medprepa/tally/admin"
	"github.com/medprepa/tally/config"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the engine with its admin HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "",
		"admin address, overrides server.listen")
	return cmd
}

func serve(cfg *config.Config) error {
	if cfg.Server.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	opts := engineOptions(cfg)
	registry := prometheus.NewRegistry()
	opts.Metrics = registry
	eng, err := tally.Open(cfg.Data.Dir, opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: admin.Router(eng, registry),
	}
	failed := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			failed <- err
		}
	}()
	opts.Logger.Info("admin listening", "addr", cfg.Server.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		opts.Logger.Info("shutting down", "signal", s.String())
	case err = <-failed:
		opts.Logger.Error("admin server failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	if cerr := eng.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
