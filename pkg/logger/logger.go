// Package logger provides the process-wide structured logger used by every
// signond subsystem, following the logger.Log.Infof(...) call-site idiom.
package logger

import (
	"fmt"
	"os"
	"strings"

	srslog "github.com/RackSec/srslog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the package-level logger every subsystem calls into, mirroring
// logger.Log.Infof(...) used throughout the caller code this was grounded on.
var Log *zap.SugaredLogger

func init() {
	Log = newLogger(Options{Output: "stdout", Level: "info"}).Sugar()
}

// Options configures Init. Output is "stdout" or "syslog";  Level is one of
// "debug", "info", "warn", "error".
type Options struct {
	Output string
	Level  string
	// Tag names the syslog process tag; ignored when Output != "syslog".
	Tag string
}

// Init rebuilds the package-level Log according to opts. It is called once
// during daemon startup after configuration has been loaded; until
// then Log defaults to an stdout, info-level logger so early startup code can
// still log safely.
func Init(opts Options) error {
	l, err := newLoggerErr(opts)
	if err != nil {
		return err
	}
	Log = l.Sugar()
	return nil
}

func newLogger(opts Options) *zap.Logger {
	l, err := newLoggerErr(opts)
	if err != nil {
		// Startup defaults never fail to construct; a syslog dial failure
		// only happens once a caller explicitly asks for syslog via Init.
		l = zap.NewNop()
	}
	return l
}

func newLoggerErr(opts Options) (*zap.Logger, error) {
	level := parseLevel(opts.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(opts.Output) {
	case "syslog":
		writer, err := srslog.New(srslog.LOG_INFO|srslog.LOG_DAEMON, tagOrDefault(opts.Tag))
		if err != nil {
			return nil, fmt.Errorf("logger: dial syslog: %w", err)
		}
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(writer), level)
		return zap.New(core), nil
	default:
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level)
		return zap.New(core), nil
	}
}

func tagOrDefault(tag string) string {
	if tag == "" {
		return "signond"
	}
	return tag
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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
