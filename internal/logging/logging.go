// Package logging builds the process logger and owns the global switch
// that turns logging on and off.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// disabledLevel is above every level zap emits.
const disabledLevel = zapcore.FatalLevel + 1

type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	output = &sink{w: os.Stderr}

	mu         sync.Mutex
	configured = zapcore.InfoLevel
	enabled    = true
)

// sink is where every logger built by New writes. It follows stderr even
// while stderr itself is captured by a Redirector.
type sink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *sink) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// New builds a logger whose level follows the global switch.
func New(cfg Config) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case "json":
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	mu.Lock()
	configured = lvl
	apply()
	mu.Unlock()

	ws := zapcore.AddSync(output)
	core := zapcore.NewCore(enc, ws, level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(ws)), nil
}

// SetEnabled turns all logging on or off. Enabling restores the level the
// logger was configured with.
func SetEnabled(on bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = on
	apply()
}

func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// Level exposes the shared level so other cores can follow the switch.
func Level() zap.AtomicLevel { return level }

func apply() {
	if enabled {
		level.SetLevel(configured)
	} else {
		level.SetLevel(disabledLevel)
	}
}
