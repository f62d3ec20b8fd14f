package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/api"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

func (s *runtimeState) newKeeperCommand() *cobra.Command {
	root := &cobra.Command{Use: "keeper", Short: "Rebalance enabled accounts between liquid staking protocols"}

	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single rebalance cycle and report what it did",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			scheduler, err := s.services.Scheduler(ctx)
			if err != nil {
				return err
			}
			report, err := scheduler.RunCycle(ctx)
			if err != nil {
				return err
			}
			s.lastPartial = report.Failed > 0
			return s.emitSuccess(cmd, report)
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run rebalance cycles on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			scheduler, err := s.services.Scheduler(ctx)
			if err != nil {
				return err
			}
			s.logger.Info("keeper started", zap.Duration("interval", s.settings.KeeperInterval))
			scheduler.Start(ctx)
			<-ctx.Done()
			scheduler.Stop()
			return s.emitSuccess(cmd, map[string]any{"stopped": true})
		},
	}

	root.AddCommand(runOnce, run)
	return root
}

func (s *runtimeState) newServeCommand() *cobra.Command {
	var listen string
	var withKeeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operation API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := s.services.Engine(ctx, true)
			if err != nil {
				return err
			}
			st, err := s.services.Store()
			if err != nil {
				return err
			}
			_, registry := s.services.Metrics()
			srv := &api.Server{
				Operations: engine,
				Activity:   st,
				Gatherer:   registry,
				Logger:     s.logger.Named("api"),
			}
			addr := s.settings.ListenAddr
			if listen != "" {
				addr = listen
			}
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if withKeeper {
				scheduler, err := s.services.Scheduler(ctx)
				if err != nil {
					return err
				}
				scheduler.Start(ctx)
				defer scheduler.Stop()
			}

			errCh := make(chan error, 1)
			go func() {
				s.logger.Info("api listening", zap.String("addr", addr))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return clierr.Wrap(clierr.CodeInternal, "serve api", err)
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					s.logger.Warn("api shutdown", zap.Error(err))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config server.listen)")
	cmd.Flags().BoolVar(&withKeeper, "with-keeper", false, "Also run the rebalance scheduler in-process")
	return cmd
}
