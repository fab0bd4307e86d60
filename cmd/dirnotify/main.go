package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/fsnotify"
	"github.com/benbjohnson/dirnotify/internal"
)

// Build information.
var (
	Version = "(development build)"
)

// errStop is a terminal error for indicating program should quit.
var errStop = errors.New("stop")

// Sentinel errors for configuration validation
var (
	ErrInvalidBackend       = errors.New("unknown backend")
	ErrInvalidBufferSize    = errors.New("buffer size must be at least the record header size")
	ErrWatchPathRequired    = errors.New("watch path required")
	ErrInvalidEvents        = errors.New("invalid event names")
	ErrExecCommandRequired  = errors.New("exec command required")
	ErrInvalidExecCooldown  = errors.New("exec cooldown must be >= 0")
	ErrJournalPathRequired  = errors.New("journal path required")
	ErrInvalidNATSClientTLS = errors.New("client-cert and client-key must both be specified")
	ErrConfigFileNotFound   = errors.New("config file not found")
)

// ConfigValidationError wraps a validation error with additional context
type ConfigValidationError struct {
	Err   error
	Field string
	Value interface{}
}

func (e *ConfigValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %v (got %v)", e.Field, e.Err, e.Value)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigValidationError) Unwrap() error {
	return e.Err
}

func main() {
	m := NewMain()
	if err := m.Run(context.Background(), os.Args[1:]); errors.Is(err, flag.ErrHelp) || errors.Is(err, errStop) {
		os.Exit(1)
	} else if err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

// Main represents the main program execution.
type Main struct{}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{}
}

// Run executes the program.
func (m *Main) Run(ctx context.Context, args []string) (err error) {
	// Execute watch command if running as a Windows service.
	if isService, err := isWindowsService(); err != nil {
		return err
	} else if isService {
		return runWindowsService(ctx)
	}

	// Extract command name.
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "watch":
		c := NewWatchCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}

		// Setup signal handler.
		signalCh := signalChan()

		if err := c.Run(ctx); err != nil {
			return err
		}

		// Wait for signal to stop program.
		<-signalCh
		slog.Info("signal received, dirnotify shutting down")

		// Gracefully close.
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
		slog.Info("dirnotify shut down")
		return err

	case "journal":
		return NewJournalCommand(os.Stdin, os.Stdout, os.Stderr).Run(ctx, args)
	case "watches":
		return NewWatchesCommand(os.Stdin, os.Stdout, os.Stderr).Run(ctx, args)
	case "version":
		return (&VersionCommand{}).Run(ctx, args)
	default:
		if cmd == "" || cmd == "help" || strings.HasPrefix(cmd, "-") {
			m.Usage()
			return flag.ErrHelp
		}
		return fmt.Errorf("dirnotify %s: unknown command", cmd)
	}
}

// Usage prints the help screen to STDOUT.
func (m *Main) Usage() {
	fmt.Println(`
dirnotify is a tool for watching directories for file changes.

Usage:

	dirnotify <command> [arguments]

The commands are:

	journal      list events recorded in the journal
	version      prints the binary version
	watch        runs a server to watch directories
	watches      list paths watched by a running server
`[1:])
}

// Config represents a configuration file for the dirnotify daemon.
type Config struct {
	// Bind address for serving metrics.
	Addr string `yaml:"addr"`

	// Notification backend. Defaults to the native backend for the OS.
	Backend string `yaml:"backend"`

	// Size of the change record buffer for each watch.
	BufferSize ByteSize `yaml:"buffer-size"`

	Logging LoggingConfig `yaml:"logging"`

	Watches []*WatchConfig `yaml:"watches"`

	// Event sinks.
	NATS    *NATSConfig    `yaml:"nats"`
	Journal *JournalConfig `yaml:"journal"`
	Exec    *ExecConfig    `yaml:"exec"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Type   string `yaml:"type"`
	Stderr bool   `yaml:"stderr"`
}

// WatchConfig represents a single watched path.
type WatchConfig struct {
	Path      string   `yaml:"path"`
	Events    []string `yaml:"events"`
	Recursive bool     `yaml:"recursive"`
}

// Mask returns the event mask for the configured event names.
func (c *WatchConfig) Mask() (dirnotify.EventMask, error) {
	return dirnotify.ParseEventMask(c.Events)
}

// NATSConfig configures the NATS publishing sink.
type NATSConfig struct {
	URL       string `yaml:"url"`
	Subject   string `yaml:"subject"`
	JetStream bool   `yaml:"jetstream"`

	// Authentication
	JWT      string `yaml:"jwt"`
	Seed     string `yaml:"seed"`
	Creds    string `yaml:"creds"`
	NKey     string `yaml:"nkey"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	// TLS
	RootCAs    []string `yaml:"root-cas"`
	ClientCert string   `yaml:"client-cert"`
	ClientKey  string   `yaml:"client-key"`

	// Connection
	MaxReconnects *int           `yaml:"max-reconnects"`
	ReconnectWait *time.Duration `yaml:"reconnect-wait"`
	Timeout       *time.Duration `yaml:"timeout"`
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ExecConfig configures the command hook.
type ExecConfig struct {
	Command   string         `yaml:"command"`
	Cooldown  *time.Duration `yaml:"cooldown"`
	CacheSize int            `yaml:"cache-size"`
}

// DefaultConfig returns a new instance of Config with defaults set.
func DefaultConfig() Config {
	return Config{
		BufferSize: ByteSize(dirnotify.DefaultBufferSize),
	}
}

// Validate returns an error if config contains invalid settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case "", "inotify", "fsnotify", "windows":
	default:
		return &ConfigValidationError{
			Err:   ErrInvalidBackend,
			Field: "backend",
			Value: c.Backend,
		}
	}

	if c.BufferSize < dirnotify.RecordHeaderSize {
		return &ConfigValidationError{
			Err:   ErrInvalidBufferSize,
			Field: "buffer-size",
			Value: int64(c.BufferSize),
		}
	}

	for i, wc := range c.Watches {
		if wc.Path == "" {
			return &ConfigValidationError{
				Err:   ErrWatchPathRequired,
				Field: fmt.Sprintf("watches[%d].path", i),
			}
		}
		if _, err := wc.Mask(); err != nil {
			return &ConfigValidationError{
				Err:   ErrInvalidEvents,
				Field: fmt.Sprintf("watches[%d].events", i),
				Value: strings.Join(wc.Events, ","),
			}
		}
	}

	if c.NATS != nil && (c.NATS.ClientCert != "") != (c.NATS.ClientKey != "") {
		return &ConfigValidationError{
			Err:   ErrInvalidNATSClientTLS,
			Field: "nats",
		}
	}

	if c.Journal != nil && c.Journal.Path == "" {
		return &ConfigValidationError{
			Err:   ErrJournalPathRequired,
			Field: "journal.path",
		}
	}

	if c.Exec != nil {
		if strings.TrimSpace(c.Exec.Command) == "" {
			return &ConfigValidationError{
				Err:   ErrExecCommandRequired,
				Field: "exec.command",
			}
		}
		if c.Exec.Cooldown != nil && *c.Exec.Cooldown < 0 {
			return &ConfigValidationError{
				Err:   ErrInvalidExecCooldown,
				Field: "exec.cooldown",
				Value: *c.Exec.Cooldown,
			}
		}
	}

	return nil
}

// URL returns the base URL of the HTTP server bound to Addr.
func (c *Config) URL() (string, error) {
	if c.Addr == "" {
		return "", fmt.Errorf("addr required")
	}

	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return "", fmt.Errorf("invalid bind address %q: %w", c.Addr, err)
	} else if port == "" {
		return "", fmt.Errorf("must specify port for bind address: %q", c.Addr)
	} else if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// OpenConfigFile opens a configuration file and returns a reader.
// Expands the filename path if needed.
func OpenConfigFile(filename string) (io.ReadCloser, error) {
	// Expand filename, if necessary.
	filename, err := expand(filename)
	if err != nil {
		return nil, err
	}

	// Open configuration file.
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
	} else if err != nil {
		return nil, err
	}

	return f, nil
}

// ReadConfigFile unmarshals config from filename. Expands path if needed.
// If expandEnv is true then environment variables are expanded in the config.
func ReadConfigFile(filename string, expandEnv bool) (Config, error) {
	f, err := OpenConfigFile(filename)
	if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()

	return ParseConfig(f, expandEnv)
}

// ParseConfig unmarshals config from a reader.
// If expandEnv is true then environment variables are expanded in the config.
func ParseConfig(r io.Reader, expandEnv bool) (_ Config, err error) {
	config := DefaultConfig()

	// Read configuration.
	buf, err := io.ReadAll(r)
	if err != nil {
		return config, err
	}

	// Expand environment variables, if enabled.
	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, err
	}

	// Normalize paths.
	for _, wc := range config.Watches {
		if wc.Path == "" {
			continue
		}
		if wc.Path, err = expand(wc.Path); err != nil {
			return config, err
		}
	}
	if config.Journal != nil && config.Journal.Path != "" {
		if config.Journal.Path, err = expand(config.Journal.Path); err != nil {
			return config, err
		}
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return config, err
	}

	// Configure logging.
	logOutput := os.Stdout
	if config.Logging.Stderr {
		logOutput = os.Stderr
	}
	initLog(logOutput, config.Logging.Level, config.Logging.Type)

	return config, nil
}

// NewNotifier returns the notifier for the named backend. An empty name
// selects the native backend for the current OS.
func NewNotifier(backend string) (dirnotify.Notifier, error) {
	if backend == "" {
		backend = defaultBackend
	}

	if backend == "fsnotify" {
		return fsnotify.NewNotifier(), nil
	} else if n, ok := newPlatformNotifier(backend); ok {
		return n, nil
	}
	return nil, fmt.Errorf("backend %q not supported on %s", backend, runtime.GOOS)
}

// ByteSize is a custom type for parsing byte sizes from YAML.
// It supports both SI units (KB, MB, GB using base 1000) and IEC units
// (KiB, MiB, GiB using base 1024) as well as short forms (K, M, G).
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	size, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a byte size string using github.com/dustin/go-humanize.
// Examples: "4096", "64KiB", "1MB"
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %w", err)
	}

	// Buffers are allocated per watch so the size must fit in an int.
	if bytes > math.MaxInt32 {
		return 0, fmt.Errorf("size %d exceeds maximum allowed value (%d)", bytes, int64(math.MaxInt32))
	}

	return int64(bytes), nil
}

// DefaultConfigPath returns the default config path.
func DefaultConfigPath() string {
	if v := os.Getenv("DIRNOTIFY_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

func registerConfigFlag(fs *flag.FlagSet, configPath *string, noExpandEnv *bool) {
	fs.StringVar(configPath, "config", "", "config path")
	fs.BoolVar(noExpandEnv, "no-expand-env", false, "do not expand env vars in config")
}

// expand returns an absolute path for s.
func expand(s string) (string, error) {
	// Just expand to absolute path if there is no home directory prefix.
	prefix := "~" + string(os.PathSeparator)
	if s != "~" && !strings.HasPrefix(s, prefix) {
		return filepath.Abs(s)
	}

	// Look up home directory.
	u, err := user.Current()
	if err != nil {
		return "", err
	} else if u.HomeDir == "" {
		return "", fmt.Errorf("cannot expand path %s, no home directory available", s)
	}

	// Return path with tilde replaced by the home directory.
	if s == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(s, prefix)), nil
}

func initLog(w io.Writer, level, typ string) {
	logOptions := slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: internal.ReplaceAttr,
	}

	// Read log level from environment, if available.
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	switch strings.ToUpper(level) {
	case "TRACE":
		logOptions.Level = internal.LevelTrace
	case "DEBUG":
		logOptions.Level = slog.LevelDebug
	case "INFO":
		logOptions.Level = slog.LevelInfo
	case "WARN", "WARNING":
		logOptions.Level = slog.LevelWarn
	case "ERROR":
		logOptions.Level = slog.LevelError
	}

	var logHandler slog.Handler
	switch typ {
	case "json":
		logHandler = slog.NewJSONHandler(w, &logOptions)
	default:
		logHandler = slog.NewTextHandler(w, &logOptions)
	}

	// Set global default logger.
	slog.SetDefault(slog.New(logHandler))
}
