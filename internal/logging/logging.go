package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Key constants for structured log fields.
const (
	KeyFixGuid    = "fixGuid"
	KeyFixName    = "fixName"
	KeyGameID     = "gameId"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// switchableCore lets package-level loggers created before Init()
// dynamically pick up the configured core once Init runs.
type switchableCore struct {
	state  *switchableState
	fields []zapcore.Field
}

type switchableState struct {
	current atomic.Value // stores coreHolder
}

// coreHolder keeps the stored type stable for atomic.Value.
type coreHolder struct {
	core zapcore.Core
}

func newSwitchableCore(c zapcore.Core) *switchableCore {
	state := &switchableState{}
	state.current.Store(coreHolder{core: c})
	return &switchableCore{state: state}
}

func (c *switchableCore) set(core zapcore.Core) {
	c.state.current.Store(coreHolder{core: core})
}

func (c *switchableCore) base() zapcore.Core {
	return c.state.current.Load().(coreHolder).core
}

func (c *switchableCore) materialize() zapcore.Core {
	core := c.base()
	if len(c.fields) > 0 {
		core = core.With(c.fields)
	}
	return core
}

func (c *switchableCore) Enabled(level zapcore.Level) bool {
	return c.base().Enabled(level)
}

func (c *switchableCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &switchableCore{state: c.state, fields: merged}
}

func (c *switchableCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *switchableCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.materialize().Write(entry, fields)
}

func (c *switchableCore) Sync() error {
	return c.base().Sync()
}

var (
	rootCore      = newSwitchableCore(newCore("text", zapcore.InfoLevel, os.Stderr))
	defaultLogger = zap.New(rootCore)
)

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stderr)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	rootCore.set(newCore(format, parseLevel(level), output))
}

// Sync flushes buffered log entries. Call before the process exits.
func Sync() {
	_ = defaultLogger.Sync()
}

func newCore(format string, level zapcore.Level, output io.Writer) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(output), zap.NewAtomicLevelAt(level))
}

// L returns a logger tagged with the given component name.
func L(component string) *zap.SugaredLogger {
	return defaultLogger.Sugar().With(KeyComponent, component)
}

// WithFix returns a child logger with fix correlation fields attached.
func WithFix(logger *zap.SugaredLogger, guid string, gameID int) *zap.SugaredLogger {
	return logger.With(KeyFixGuid, guid, KeyGameID, gameID)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(contextKey{}).(*zap.SugaredLogger); ok {
		return l
	}
	return defaultLogger.Sugar()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
