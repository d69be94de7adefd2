package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red          = "\033[31m"
	Green        = "\033[32m"
	Yellow       = "\033[33m"
	Blue         = "\033[34m"
	Cyan         = "\033[36m"
	White        = "\033[37m"
	Gray         = "\033[90m"
	BrightRed    = "\033[91m"
	BrightYellow = "\033[93m"
	BrightWhite  = "\033[97m"
)

// ColoredLogger wraps zap.Logger with component-tagged, optionally colored output
type ColoredLogger struct {
	*zap.Logger
	enableColors bool
}

// Component represents different parts of the gateway for color coding
type Component string

const (
	ComponentRouter    Component = "ROUTER"
	ComponentTopics    Component = "TOPICS"
	ComponentWebsocket Component = "WEBSOCKET"
	ComponentClient    Component = "CLIENT"
	ComponentKeepAlive Component = "KEEPALIVE"
	ComponentGeneral   Component = "GENERAL"
)

func getComponentColor(component Component) string {
	switch component {
	case ComponentRouter:
		return Cyan
	case ComponentTopics:
		return Green
	case ComponentWebsocket:
		return Blue
	case ComponentClient:
		return BrightWhite
	case ComponentKeepAlive:
		return Gray
	case ComponentGeneral:
		return Yellow
	default:
		return White
	}
}

func getLevelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return Gray
	case zapcore.InfoLevel:
		return BrightWhite
	case zapcore.WarnLevel:
		return BrightYellow
	case zapcore.ErrorLevel:
		return BrightRed
	default:
		return Red
	}
}

func consoleEncoder(enableColors bool) zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		ts := t.Format("15:04:05")
		if enableColors {
			ts = Dim + ts + Reset
		}
		enc.AppendString(ts)
	}

	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		s := strings.ToUpper(level.String()[:1])
		if enableColors {
			s = getLevelColor(level) + Bold + s + Reset
		}
		enc.AppendString(s)
	}

	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		file = strings.TrimSuffix(file, ".go")
		if enableColors {
			file = Dim + file + Reset
		}
		enc.AppendString(file)
	}

	return zapcore.NewConsoleEncoder(config)
}

// NewColoredLogger creates a console logger writing to stdout at the given level.
func NewColoredLogger(level zapcore.Level, enableColors bool) *ColoredLogger {
	core := zapcore.NewCore(consoleEncoder(enableColors), zapcore.AddSync(os.Stdout), level)
	return &ColoredLogger{
		Logger:       zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		enableColors: enableColors,
	}
}

// NewDefaultLogger creates a colored debug-level logger.
func NewDefaultLogger() *ColoredLogger {
	return NewColoredLogger(zapcore.DebugLevel, true)
}

// NewNop returns a logger that discards everything.
func NewNop() *ColoredLogger {
	return &ColoredLogger{Logger: zap.NewNop()}
}

// Wrap adapts an application-supplied zap logger. A nil logger yields NewNop.
func Wrap(l *zap.Logger) *ColoredLogger {
	if l == nil {
		return NewNop()
	}
	return &ColoredLogger{Logger: l.WithOptions(zap.AddCallerSkip(1))}
}

// ParseLevel parses a level name such as "debug" or "warn". Unknown names
// fall back to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (l *ColoredLogger) tag(component Component, msg string) string {
	if l.enableColors {
		return fmt.Sprintf("%s[%s]%s %s", getComponentColor(component), component, Reset, msg)
	}
	return fmt.Sprintf("[%s] %s", component, msg)
}

// Component-specific logging methods
func (l *ColoredLogger) ComponentInfo(component Component, msg string, fields ...zap.Field) {
	l.Info(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentWarn(component Component, msg string, fields ...zap.Field) {
	l.Warn(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentError(component Component, msg string, fields ...zap.Field) {
	l.Error(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentDebug(component Component, msg string, fields ...zap.Field) {
	l.Debug(l.tag(component, msg), fields...)
}
