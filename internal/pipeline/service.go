package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/audit"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/source"
)

// SourceFactory builds the metric source of a data source.
type SourceFactory func(cfg config.DataSource, logger *zap.Logger) (source.MetricSource, error)

// Service owns one Runner per configured data source.
type Service struct {
	runners []*Runner
	byName  map[string]*Runner
	logger  *zap.Logger
}

// NewService builds a runner for every data source in cfg. A nil factory
// uses source.New.
func NewService(cfg *config.Config, store db.Store, factory SourceFactory, auditLog audit.Logger, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = source.New
	}
	s := &Service{byName: make(map[string]*Runner), logger: logger}
	for _, ds := range cfg.DataSources {
		src, err := factory(ds, logger)
		if err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		r, err := NewRunner(cfg, ds, src, store, auditLog, logger)
		if err != nil {
			return nil, multierr.Combine(err, src.Close(), s.Close())
		}
		s.runners = append(s.runners, r)
		s.byName[ds.Name] = r
	}
	return s, nil
}

// Runner returns the runner of the named data source.
func (s *Service) Runner(name string) (*Runner, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Runners returns every runner in configuration order.
func (s *Service) Runners() []*Runner {
	return s.runners
}

// Select returns the runner named name, or every runner when name is empty.
func (s *Service) Select(name string) ([]*Runner, error) {
	if name == "" {
		return s.runners, nil
	}
	r, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", name)
	}
	return []*Runner{r}, nil
}

// RunAll runs every selected data source in turn. A failing source does not
// stop the others; the failures are combined into the returned error.
func (s *Service) RunAll(ctx context.Context, name string, end int64, opts Options) (map[string]*Summary, error) {
	runners, err := s.Select(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Summary, len(runners))
	var errs error
	for _, r := range runners {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		sum, err := r.Run(ctx, end, opts)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("data source %s: %w", r.Name(), err))
			continue
		}
		out[r.Name()] = sum
	}
	return out, errs
}

// Close closes every metric source.
func (s *Service) Close() error {
	var errs error
	for _, r := range s.runners {
		errs = multierr.Append(errs, r.src.Close())
	}
	return errs
}
