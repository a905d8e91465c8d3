package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Run lifecycle events
	LogRunStarted(ctx context.Context, source string, end int64) error
	LogRunCompleted(ctx context.Context, source string, end int64, duration time.Duration, summary map[string]interface{}) error
	LogRunFailed(ctx context.Context, source string, end int64, err error) error

	// State maintenance events
	LogStatsRefreshed(ctx context.Context, source string, seeded, updated int, reinitialized bool) error
	LogHistoryRefreshed(ctx context.Context, source string, upserted int, pruned int64) error
	LogAnomaliesRecorded(ctx context.Context, source string, inserted, updated int) error
	LogLedgerPruned(ctx context.Context, source string, pruned int64, before int64) error

	LogConfigReload(ctx context.Context, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

const bufferSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshalling
// failures; nil discards them.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	// Audit log is append-only and always INFO level
	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		config:      config,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event. Events without a correlation ID inherit the one
// carried by ctx.
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("source", event.Source),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogRunStarted logs when a detection run starts
func (l *auditLogger) LogRunStarted(ctx context.Context, source string, end int64) error {
	event := NewEvent(EventRunStarted).
		WithSource(source).
		WithEndEpoch(end).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Detection run for %s started", source))

	return l.Log(ctx, event)
}

// LogRunCompleted logs when a detection run completes
func (l *auditLogger) LogRunCompleted(ctx context.Context, source string, end int64, duration time.Duration, summary map[string]interface{}) error {
	event := NewEvent(EventRunCompleted).
		WithSource(source).
		WithEndEpoch(end).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Detection run for %s completed", source))
	for k, v := range summary {
		event.WithMetadata(k, v)
	}

	return l.Log(ctx, event)
}

// LogRunFailed logs when a detection run fails
func (l *auditLogger) LogRunFailed(ctx context.Context, source string, end int64, err error) error {
	event := NewEvent(EventRunFailed).
		WithSource(source).
		WithEndEpoch(end).
		WithError(err, "run_error").
		WithDescription(fmt.Sprintf("Detection run for %s failed", source))

	return l.Log(ctx, event)
}

// LogStatsRefreshed logs a trend statistics refresh
func (l *auditLogger) LogStatsRefreshed(ctx context.Context, source string, seeded, updated int, reinitialized bool) error {
	eventType := EventStatsRefreshed
	if reinitialized {
		eventType = EventStatsReinitialized
	}
	event := NewEvent(eventType).
		WithSource(source).
		WithResult(ResultSuccess).
		WithMetadata("seeded", seeded).
		WithMetadata("updated", updated)

	return l.Log(ctx, event)
}

// LogHistoryRefreshed logs a history store refresh
func (l *auditLogger) LogHistoryRefreshed(ctx context.Context, source string, upserted int, pruned int64) error {
	event := NewEvent(EventHistoryRefreshed).
		WithSource(source).
		WithResult(ResultSuccess).
		WithMetadata("upserted", upserted).
		WithMetadata("pruned", pruned)

	return l.Log(ctx, event)
}

// LogAnomaliesRecorded logs ledger inserts and cluster backfills
func (l *auditLogger) LogAnomaliesRecorded(ctx context.Context, source string, inserted, updated int) error {
	event := NewEvent(EventAnomaliesRecorded).
		WithSource(source).
		WithResult(ResultSuccess).
		WithMetadata("inserted", inserted).
		WithMetadata("updated", updated).
		WithDescription(fmt.Sprintf("%d anomalies recorded for %s", inserted, source))

	return l.Log(ctx, event)
}

// LogLedgerPruned logs removal of expired ledger rows
func (l *auditLogger) LogLedgerPruned(ctx context.Context, source string, pruned int64, before int64) error {
	result := ResultSuccess
	if pruned == 0 {
		result = ResultSkipped
	}
	event := NewEvent(EventLedgerPruned).
		WithSource(source).
		WithResult(result).
		WithMetadata("pruned", pruned).
		WithMetadata("before", before)

	return l.Log(ctx, event)
}

// LogConfigReload logs a configuration hot reload
func (l *auditLogger) LogConfigReload(ctx context.Context, err error) error {
	event := NewEvent(EventConfigReload).
		WithResult(ResultSuccess).
		WithError(err, "config_error")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()

		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID for a run
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// noopLogger discards every event.
type noopLogger struct{}

// NewNoopLogger returns a Logger that records nothing.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Log(context.Context, *Event) error                  { return nil }
func (noopLogger) LogRunStarted(context.Context, string, int64) error { return nil }
func (noopLogger) LogRunCompleted(context.Context, string, int64, time.Duration, map[string]interface{}) error {
	return nil
}
func (noopLogger) LogRunFailed(context.Context, string, int64, error) error { return nil }
func (noopLogger) LogStatsRefreshed(context.Context, string, int, int, bool) error {
	return nil
}
func (noopLogger) LogHistoryRefreshed(context.Context, string, int, int64) error { return nil }
func (noopLogger) LogAnomaliesRecorded(context.Context, string, int, int) error  { return nil }
func (noopLogger) LogLedgerPruned(context.Context, string, int64, int64) error   { return nil }
func (noopLogger) LogConfigReload(context.Context, error) error                  { return nil }
func (noopLogger) Sync() error                                                   { return nil }
func (noopLogger) Close() error                                                  { return nil }
