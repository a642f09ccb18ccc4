// Package logger wraps zerolog with the Info/Infof/Warn/Warnf/Error/Errorf
// call surface used across the engine's components.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// Configure switches between human-readable console output (dev) and
// line-delimited JSON (prod), and sets the minimum level.
func Configure(jsonOutput bool, level string) {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stdout
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(w).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	l = l.Level(lvl)
	log = l
}

// With returns a component-scoped logger carrying a "component" field, so
// each package's log lines are filterable without string-matching messages.
func With(component string) Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger{z: log.With().Str("component", component).Logger()}
}

// Logger is a thin façade matching the call sites already in use across the
// engine: Info/Infof/Warn/Warnf/Error/Errorf/Debug/Debugf.
type Logger struct {
	z zerolog.Logger
}

func (l Logger) Info(args ...interface{})            { l.z.Info().Msg(sprint(args...)) }
func (l Logger) Infof(f string, a ...interface{})     { l.z.Info().Msgf(f, a...) }
func (l Logger) Warn(args ...interface{})             { l.z.Warn().Msg(sprint(args...)) }
func (l Logger) Warnf(f string, a ...interface{})     { l.z.Warn().Msgf(f, a...) }
func (l Logger) Error(args ...interface{})            { l.z.Error().Msg(sprint(args...)) }
func (l Logger) Errorf(f string, a ...interface{})    { l.z.Error().Msgf(f, a...) }
func (l Logger) Debug(args ...interface{})            { l.z.Debug().Msg(sprint(args...)) }
func (l Logger) Debugf(f string, a ...interface{})    { l.z.Debug().Msgf(f, a...) }

// Fields attaches structured key/value pairs to the next log line, e.g.
// logger.With("engine").Fields(map[string]interface{}{"instrument": "BANK_NIFTY"}).Info("processed")
func (l Logger) Fields(fields map[string]interface{}) Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return Logger{z: ctx.Logger()}
}

func sprint(args ...interface{}) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	return fmt.Sprint(args...)
}

// package-level convenience logger for call sites that don't need a
// component scope (mirrors the teacher's bare logger.Info(...) usage).
var root = With("engine")

func Info(args ...interface{})         { root.Info(args...) }
func Infof(f string, a ...interface{}) { root.Infof(f, a...) }
func Warn(args ...interface{})         { root.Warn(args...) }
func Warnf(f string, a ...interface{}) { root.Warnf(f, a...) }
func Error(args ...interface{})        { root.Error(args...) }
func Errorf(f string, a ...interface{}) { root.Errorf(f, a...) }
