// Package logging provides structured, component-scoped logging for
// packsmith. One zap core is shared by every component logger; when a log
// file is configured, output is duplicated to a size-rotated file.
package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names a subsystem for log scoping.
type Component string

const (
	ComponentServer     Component = "server"
	ComponentStore      Component = "store"
	ComponentEmbedding  Component = "embedding"
	ComponentRetrieval  Component = "retrieval"
	ComponentLLM        Component = "llm"
	ComponentPlanner    Component = "planner"
	ComponentArchitect  Component = "architect"
	ComponentSelector   Component = "selector"
	ComponentCategorize Component = "categorize"
	ComponentResolver   Component = "resolver"
	ComponentBridge     Component = "bridge"
	ComponentBoard      Component = "board"
	ComponentCrash      Component = "crash"
	ComponentQuota      Component = "quota"
	ComponentProgress   Component = "progress"
	ComponentPipeline   Component = "pipeline"
	ComponentRegistry   Component = "registry"
	ComponentUsage      Component = "usage"
	ComponentTags       Component = "tags"
)

// Options configures logger construction.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init builds the shared root logger. Safe to call once at startup; callers
// holding loggers from For keep logging through the old core, so Init should
// precede any For call.
func Init(opts Options) error {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil && opts.Level != "" {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotated), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))

	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// For returns a logger scoped to the given component.
func For(c Component) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(c))
}

// WithRequest returns a component logger carrying the request correlation id.
func WithRequest(c Component, requestID string) *zap.Logger {
	return For(c).With(zap.String("request_id", requestID))
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures one operation's duration and logs it on Stop.
type Timer struct {
	logger *zap.Logger
	op     string
	start  time.Time
}

// StartTimer begins timing an operation for the given component.
func StartTimer(c Component, operation string) *Timer {
	return &Timer{logger: For(c), op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithThreshold logs a warning when the operation exceeded threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.logger.Warn("slow operation",
			zap.String("op", t.op),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", threshold))
	} else {
		t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
