package pipeline

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers a run of every data source on a cron schedule. A run
// still in progress when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler registers one job per data source of service on the cron schedule expr.
func NewScheduler(expr string, service *Service, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	clog := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(clog)),
		service: service,
		logger:  logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, r := range service.Runners() {
		job := cron.NewChain(cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
			s.runOnce(r)
		}))
		if _, err := s.cron.AddJob(expr, job); err != nil {
			s.cancel()
			return nil, fmt.Errorf("schedule %q: %w", expr, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runOnce(r *Runner) {
	if _, err := r.Run(s.ctx, 0, Options{}); err != nil {
		s.logger.Warn("scheduled run failed", zap.String("source", r.Name()), zap.Error(err))
	}
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts zap to the cron logging interface.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
