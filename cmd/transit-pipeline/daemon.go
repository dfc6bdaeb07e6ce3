package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"transit-graph/internal/logger"
	"transit-graph/internal/pipeline"
	"transit-graph/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the stage chain periodically and serve status endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		reg, err := a.registry()
		if err != nil {
			return err
		}
		l := logger.L()

		var srv *http.Server
		if a.cfg.StatusAddr != "" {
			h := status.Handler(status.Deps{Graphs: a.graphs, Datasets: a.repos.Datasets, DB: a.db, Redis: a.rdb}, a.cfg.StatusRateLimitQPS)
			srv = &http.Server{Addr: a.cfg.StatusAddr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				l.Info("status_listen", "addr", a.cfg.StatusAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					l.Error("status_listen_fail", "err", err)
					stop()
				}
			}()
		}

		pipeline.NewScheduler(pipeline.NewRunner(reg), pipeline.StageDatasetSync, a.cfg.DaemonInterval()).Run(ctx)

		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				l.Warn("status_shutdown_fail", "err", err)
			}
		}
		l.Info("daemon_stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
