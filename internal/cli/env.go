package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/audit"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/logging"
	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
)

// env is everything a command needs once the configuration is loaded.
type env struct {
	mgr     config.ConfigManager
	cfg     *config.Config
	logger  *zap.Logger
	audit   audit.Logger
	store   db.Store
	service *pipeline.Service
}

func loadConfig(ctx context.Context, path string) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

// open loads the configuration and builds the logger, audit trail, store
// and pipeline service. The caller closes the returned env.
func (a *app) open(ctx context.Context) (*env, error) {
	mgr, cfg, err := loadConfig(ctx, a.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	e := &env{mgr: mgr, cfg: cfg, logger: logger, audit: audit.NewNoopLogger()}

	if cfg.Audit.Enabled {
		ac := audit.DefaultConfig()
		ac.AuditLogPath = cfg.Audit.File
		if e.audit, err = audit.NewLogger(ac, logger); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to open audit log: %w", err), e.Close())
		}
	}

	if e.store, err = db.Open(ctx, storeConfig(cfg.Database)); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open store: %w", err), e.Close())
	}
	if e.service, err = pipeline.NewService(cfg, e.store, nil, e.audit, logger); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to build pipeline: %w", err), e.Close())
	}
	logger.Debug("environment ready",
		zap.String("config", a.configPath),
		zap.String("database", cfg.Database.Type),
		zap.Int("sources", len(cfg.DataSources)),
	)
	return e, nil
}

// Close releases what open built, in reverse order.
func (e *env) Close() error {
	var err error
	if e.service != nil {
		err = multierr.Append(err, e.service.Close())
	}
	if e.store != nil {
		err = multierr.Append(err, e.store.Close())
	}
	if e.audit != nil {
		err = multierr.Append(err, e.audit.Close())
	}
	_ = e.logger.Sync()
	return err
}

func storeConfig(c config.DatabaseConfig) db.Config {
	out := db.Config{
		Driver:          c.Type,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.ConnMaxLifetimeSec) * time.Second,
	}
	switch c.Type {
	case config.DatabaseSQLite:
		out.DSN = c.SQLitePath
	case config.DatabasePostgres:
		out.DSN = c.PostgresURL
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
