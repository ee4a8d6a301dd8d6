package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/relay/internal/engine"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete relay configuration.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	Envelope   EnvelopeConfig   `yaml:"envelope" json:"envelope"`
	Log        LogConfig        `yaml:"log" json:"log"`
	Journal    JournalConfig    `yaml:"journal" json:"journal"`
	Workload   WorkloadConfig   `yaml:"workload" json:"workload"`
}

// DispatcherConfig holds dispatcher timing.
type DispatcherConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Tolerance  Duration `yaml:"tolerance" json:"tolerance"`
	MinSleep   Duration `yaml:"min_sleep" json:"min_sleep"`
	MaxSleep   Duration `yaml:"max_sleep" json:"max_sleep"`
	StuckAfter Duration `yaml:"stuck_after" json:"stuck_after"`
}

// EnvelopeConfig holds envelope recall settings.
type EnvelopeConfig struct {
	HangThreshold Duration `yaml:"hang_threshold" json:"hang_threshold"`
	RecallTimeout Duration `yaml:"recall_timeout" json:"recall_timeout"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// JournalConfig configures the SQLite lifecycle journal. An empty path
// disables journalling.
type JournalConfig struct {
	Path          string   `yaml:"path" json:"path"`
	FlushInterval Duration `yaml:"flush_interval" json:"flush_interval"`
}

// WorkloadConfig drives `relay run`.
type WorkloadConfig struct {
	Pairs     int      `yaml:"pairs" json:"pairs"`
	Heartbeat Duration `yaml:"heartbeat" json:"heartbeat"`
	Duration  Duration `yaml:"duration" json:"duration"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Name:       "relay",
			Tolerance:  Duration(engine.DefaultTolerance),
			MinSleep:   Duration(engine.DefaultMinSleep),
			MaxSleep:   Duration(engine.DefaultMaxSleep),
			StuckAfter: Duration(engine.DefaultStuckAfter),
		},
		Envelope: EnvelopeConfig{
			HangThreshold: Duration(engine.DefaultHangThreshold),
			RecallTimeout: Duration(50 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Journal: JournalConfig{
			FlushInterval: Duration(100 * time.Millisecond),
		},
		Workload: WorkloadConfig{
			Pairs:     1,
			Heartbeat: Duration(100 * time.Millisecond),
			Duration:  Duration(time.Second),
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates data against the schema and decodes it over Default.
// name is used in error positions.
func Parse(data []byte, name string) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkSchema(raw, name); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// checkSchema unifies the raw document with #Config.
func checkSchema(raw map[string]any, name string) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.FillPath(cue.ParsePath("config"), raw)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err, name)
	}
	return nil
}

// formatCUEError flattens CUE's error list into ValidationErrors.
func formatCUEError(err error, name string) error {
	var errs ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && path[0] == "config" {
			path = path[1:]
		}
		format, args := e.Msg()
		errs = append(errs, ValidationError{
			Field:   strings.Join(path, "."),
			Message: fmt.Sprintf(format, args...),
			Code:    ErrSchema,
			File:    name,
		})
	}
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", name, err)
	}
	return errs
}

// DispatcherOptions maps the configuration onto engine options.
func (c *Config) DispatcherOptions(logger *slog.Logger) []engine.DispatcherOption {
	opts := []engine.DispatcherOption{
		engine.WithName(c.Dispatcher.Name),
		engine.WithTolerance(c.Dispatcher.Tolerance.D()),
		engine.WithMinSleep(c.Dispatcher.MinSleep.D()),
		engine.WithMaxSleep(c.Dispatcher.MaxSleep.D()),
		engine.WithStuckAfter(c.Dispatcher.StuckAfter.D()),
	}
	if logger != nil {
		opts = append(opts, engine.WithLogger(logger))
	}
	return opts
}

// EnvelopeOptions maps the configuration onto envelope options.
func (c *Config) EnvelopeOptions(logger *slog.Logger) []engine.EnvelopeOption {
	opts := []engine.EnvelopeOption{
		engine.WithHangThreshold(c.Envelope.HangThreshold.D()),
	}
	if logger != nil {
		opts = append(opts, engine.WithEnvelopeLogger(logger))
	}
	return opts
}

// SlogLevel converts Log.Level to a slog.Level. Unknown levels map to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger. verbose forces debug level.
func (c *Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := c.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
