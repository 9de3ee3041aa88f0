// Package logging provides config-driven categorized logging for taskpilot.
// Logs are written to .taskpilot/logs/ with a separate file per category,
// backed by zap cores. Logging is controlled by the logging section of the
// config file - when debug_mode is false, nothing is written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategorySession    Category = "session"    // Session store operations
	CategoryRouting    Category = "routing"    // Dispatcher decisions
	CategoryWorkflow   Category = "workflow"   // Validation state machine
	CategoryClassifier Category = "classifier" // AI intent fallback
	CategoryEffects    Category = "effects"    // Side-effect execution
	CategoryStore      Category = "store"      // SQLite backend
)

// Settings mirrors the relevant parts of config.LoggingConfig to avoid a
// circular import with the config package.
type Settings struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
}

// Logger wraps a category-scoped zap sugared logger.
type Logger struct {
	category Category
	zl       *zap.SugaredLogger
}

var (
	loggers    = make(map[Category]*Logger)
	loggersMu  sync.RWMutex
	logsDir    string
	settings   Settings
	settingsMu sync.RWMutex
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory and applies settings.
// Call once at startup with the workspace path.
func Initialize(workspace string, s Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	Apply(s)

	if !s.DebugMode {
		return nil // silent no-op in production mode
	}

	dir := filepath.Join(workspace, ".taskpilot", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== taskpilot logging initialized ===")
	boot.Info("logs directory: %s", dir)
	boot.Info("level: %s", s.Level)
	return nil
}

// Apply updates settings at runtime. Used by the config hot-reload watcher.
func Apply(s Settings) {
	settingsMu.Lock()
	settings = s
	settingsMu.Unlock()

	switch s.Level {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled reports whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true // all enabled by default in debug mode
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	dir := logsDir
	loggersMu.RUnlock()

	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// One file per category, date-prefixed for easy rotation.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), level)
	zl := zap.New(core).Named(string(category)).Sugar()

	l := &Logger{category: category, zl: zl}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.zl == nil {
		return
	}
	l.zl.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.zl == nil {
		return
	}
	l.zl.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.zl == nil {
		return
	}
	l.zl.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.zl == nil {
		return
	}
	l.zl.Errorf(format, args...)
}

// With returns a logger carrying structured key-value context, used for
// request-scoped logging (conversation id, handler name).
func (l *Logger) With(args ...interface{}) *Logger {
	if l.zl == nil {
		return l
	}
	return &Logger{category: l.category, zl: l.zl.With(args...)}
}

// CloseAll flushes and drops all open loggers. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.zl != nil {
			_ = l.zl.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
	logsDir = ""
}

// =============================================================================
// CONVENIENCE FUNCTIONS - quick logging without getting a logger first.
// These are no-ops if the category is disabled.
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Session logs to the session category.
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category.
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Routing logs to the routing category.
func Routing(format string, args ...interface{}) {
	Get(CategoryRouting).Info(format, args...)
}

// RoutingDebug logs debug to the routing category.
func RoutingDebug(format string, args ...interface{}) {
	Get(CategoryRouting).Debug(format, args...)
}

// Workflow logs to the workflow category.
func Workflow(format string, args ...interface{}) {
	Get(CategoryWorkflow).Info(format, args...)
}

// WorkflowDebug logs debug to the workflow category.
func WorkflowDebug(format string, args ...interface{}) {
	Get(CategoryWorkflow).Debug(format, args...)
}

// Classifier logs to the classifier category.
func Classifier(format string, args ...interface{}) {
	Get(CategoryClassifier).Info(format, args...)
}

// ClassifierDebug logs debug to the classifier category.
func ClassifierDebug(format string, args ...interface{}) {
	Get(CategoryClassifier).Debug(format, args...)
}

// Effects logs to the effects category.
func Effects(format string, args ...interface{}) {
	Get(CategoryEffects).Info(format, args...)
}

// EffectsDebug logs debug to the effects category.
func EffectsDebug(format string, args ...interface{}) {
	Get(CategoryEffects).Debug(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
