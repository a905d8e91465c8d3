package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/api"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run detection on the cron schedule and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, e.Close()) }()

			s := &serveState{env: e}
			return s.serve(ctx)
		},
	}
}

// serveState tracks the scheduler and server of a running serve command so
// configuration changes can swap the pipeline underneath them.
type serveState struct {
	*env
	scheduler *pipeline.Scheduler
	server    *api.Server
}

func (s *serveState) serve(ctx context.Context) error {
	sched, err := pipeline.NewScheduler(s.cfg.Schedule.Cron, s.service, s.logger)
	if err != nil {
		return err
	}
	s.scheduler = sched
	s.server = api.NewServer(s.cfg.Server, s.service, s.logger)
	if err := s.server.Start(); err != nil {
		return err
	}
	s.scheduler.Start()
	s.logger.Info("serving",
		zap.String("listen", s.cfg.Server.Listen),
		zap.String("schedule", s.cfg.Schedule.Cron),
		zap.Int("sources", len(s.cfg.DataSources)),
	)

	changes := s.mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case next := <-changes:
			if err := s.reload(ctx, next); err != nil {
				s.logger.Error("configuration reload rejected", zap.Error(err))
			}
		}
	}
}

// reload rebuilds the pipeline service and scheduler for next. Database and
// listener settings are only read at startup.
func (s *serveState) reload(ctx context.Context, next config.Config) (err error) {
	defer func() { _ = s.audit.LogConfigReload(ctx, err) }()

	if next.Database != s.cfg.Database || next.Server != s.cfg.Server {
		s.logger.Warn("database and server changes take effect after a restart")
	}
	service, err := pipeline.NewService(&next, s.store, nil, s.audit, s.logger)
	if err != nil {
		return err
	}
	sched, err := pipeline.NewScheduler(next.Schedule.Cron, service, s.logger)
	if err != nil {
		return multierr.Append(err, service.Close())
	}

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	s.scheduler.Stop(stopCtx)
	s.server.SetService(service)
	sched.Start()

	old := s.service
	s.scheduler, s.service = sched, service
	next.Database, next.Server = s.cfg.Database, s.cfg.Server
	s.cfg = &next
	s.logger.Info("configuration reloaded", zap.Int("sources", len(next.DataSources)))
	if err := old.Close(); err != nil {
		s.logger.Warn("closing previous data sources", zap.Error(err))
	}
	return nil
}

func (s *serveState) shutdown() error {
	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.scheduler.Stop(ctx)
	if err := s.server.Stop(ctx); err != nil {
		return fmt.Errorf("stop http server: %w", err)
	}
	return nil
}
