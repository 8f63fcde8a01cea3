// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by New
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New creates a logger writing to stderr at level ("debug", "info", ...)
// using the console or json encoder.
func New(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05.000"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "", FormatConsole:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case FormatJSON:
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}
