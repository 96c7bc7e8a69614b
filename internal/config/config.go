// Package config handles command-line flags and the optional YAML file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the server. Values can come from
// defaults, a YAML file passed with -config, and explicit flags, in that
// order of precedence.
type Config struct {
	Host string `yaml:"host"` // Interface to bind (default: all)
	Port int    `yaml:"port"` // TCP port (default: 8080)
	Dir  string `yaml:"dir"`  // Served root (default: working directory)

	Concurrent     bool `yaml:"concurrent"`     // Handle connections in parallel instead of one at a time
	Listing        bool `yaml:"listing"`        // List directories without an index page
	Gzip           bool `yaml:"gzip"`           // Compress responses when the client accepts gzip
	Reload         bool `yaml:"reload"`         // Live reload over /events
	FollowSymlinks bool `yaml:"followSymlinks"` // Serve symlinks under the root
	CORS           bool `yaml:"cors"`           // Access-Control-Allow-Origin: *
	Isolate        bool `yaml:"isolate"`        // COOP/COEP headers for SharedArrayBuffer

	Headers map[string]string `yaml:"headers"` // Extra response headers
	Types   map[string]string `yaml:"types"`   // Extension -> MIME overrides

	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"` // default: 10s
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`   // default: 5s
	DebounceDuration  time.Duration `yaml:"debounceDuration"`  // Reload debounce (default: 300ms)

	Log LogConfig `yaml:"log"`

	// Notices collects adjustments made while validating, for the caller to log.
	Notices []string `yaml:"-"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:    8080,
		Dir:     ".",
		Listing: true,

		Headers: map[string]string{},
		Types:   map[string]string{},

		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		DebounceDuration:  300 * time.Millisecond,

		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load parses args. A -config file is read before the flags are applied,
// so explicit flags win over the file.
func Load(args []string) (*Config, error) {
	return load(args, os.Stderr)
}

func load(args []string, output io.Writer) (*Config, error) {
	// First pass only locates -config; its target is thrown away.
	scratch, path := flagSet(Default(), io.Discard)
	if err := scratch.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs, _ := flagSet(Default(), output)
			fs.Usage()
		}
		return nil, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.loadFile(*path); err != nil {
			return nil, err
		}
	}

	fs, _ := flagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func flagSet(cfg *Config, output io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("wasmserve", flag.ContinueOnError)
	fs.SetOutput(output)

	path := fs.String("config", "", "YAML config file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "The host/IP to bind to (empty for all interfaces)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The port to listen on")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory to serve")

	fs.BoolVar(&cfg.Concurrent, "concurrent", cfg.Concurrent, "Handle connections concurrently instead of one at a time")
	fs.BoolFunc("no-listing", "Answer 404 for directories without index.html", func(v string) error {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Listing = !on
		return nil
	})
	fs.BoolVar(&cfg.Gzip, "gzip", cfg.Gzip, "Enable gzip compression")
	fs.BoolVar(&cfg.Reload, "reload", cfg.Reload, "Enable live reload via /events")
	fs.BoolVar(&cfg.FollowSymlinks, "follow-symlinks", cfg.FollowSymlinks, "Serve symlinked files and directories")
	fs.BoolVar(&cfg.CORS, "cors", cfg.CORS, "Send Access-Control-Allow-Origin: *")
	fs.BoolVar(&cfg.Isolate, "isolate", cfg.Isolate, "Send cross-origin isolation headers (COOP/COEP)")

	fs.Func("header", "Extra response header 'Name: value' (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("invalid header %q, want 'Name: value'", s)
		}
		cfg.Headers[name] = strings.TrimSpace(value)
		return nil
	})
	fs.Func("type", "Extension MIME override '.ext=type/subtype' (repeatable)", func(s string) error {
		ext, typ, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(ext) == "" || strings.TrimSpace(typ) == "" {
			return fmt.Errorf("invalid type mapping %q, want '.ext=type/subtype'", s)
		}
		cfg.Types[strings.TrimSpace(ext)] = strings.TrimSpace(typ)
		return nil
	})

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: text or json")

	return fs, path
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	if c.Types == nil {
		c.Types = map[string]string{}
	}
	return nil
}

// validate rejects unusable values and clamps the rest into range.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	info, err := os.Stat(c.Dir)
	if err != nil {
		return fmt.Errorf("invalid directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("invalid directory: %s is not a directory", c.Dir)
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	// Timeouts
	if c.ReadHeaderTimeout < 1*time.Second {
		c.ReadHeaderTimeout = 1 * time.Second
	}
	if c.ShutdownTimeout < 1*time.Second {
		c.ShutdownTimeout = 1 * time.Second
	}
	if c.ShutdownTimeout > 60*time.Second {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.DebounceDuration < 10*time.Millisecond {
		c.DebounceDuration = 10 * time.Millisecond
	}
	if c.DebounceDuration > 5*time.Second {
		c.DebounceDuration = 5 * time.Second
	}

	// An SSE stream holds its connection open, which would starve a
	// one-connection listener.
	if c.Reload && !c.Concurrent {
		c.Concurrent = true
		c.Notices = append(c.Notices, "live reload enabled, handling connections concurrently")
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
