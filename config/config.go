package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chasegan/kalix-core/paths"
)

// Defaults applied when a field is unset in config.yaml.
const (
	DefaultGracePeriod       = 5 * time.Second
	DefaultOutputBufferLines = 1024
	DefaultWatchDebounce     = 500 * time.Millisecond
)

// Config holds the application configuration
type Config struct {
	CLIPath  string   `yaml:"cli_path,omitempty"`  // Explicit kalixcli path; when set, PATH lookup is skipped entirely
	CLIArgs  []string `yaml:"cli_args,omitempty"`  // Extra arguments appended after "session stdio"
	LogLevel string   `yaml:"log_level,omitempty"` // "debug" or "info" (default "info")

	GracePeriod       Duration `yaml:"grace_period,omitempty"`        // How long to wait for a graceful exit before killing (default 5s)
	OutputBufferLines int      `yaml:"output_buffer_lines,omitempty"` // Capacity of the per-session output line buffer (default 1024)
	WatchDebounce     Duration `yaml:"watch_debounce,omitempty"`      // Quiet window for model file change notifications (default 500ms)

	mu       sync.RWMutex
	filePath string
}

// Duration is a time.Duration that round-trips through YAML as a
// human-readable string like "5s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a config carrying the built-in defaults, not bound to any
// file.
func Default() *Config {
	return &Config{
		CLIArgs:           []string{},
		LogLevel:          "info",
		GracePeriod:       Duration(DefaultGracePeriod),
		OutputBufferLines: DefaultOutputBufferLines,
		WatchDebounce:     Duration(DefaultWatchDebounce),
	}
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CLIArgs:  []string{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure slices are initialized (not nil) after unmarshaling
	// This must happen before Validate() since Validate() only reads
	cfg.ensureInitialized()

	// Validate loaded config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized ensures all slices are initialized (not nil).
// This is called during Load() after unmarshaling, and must be called
// before Validate() since Validate() only reads.
//
// Thread-safety: This method is NOT thread-safe and must only be called
// during single-threaded initialization (i.e., from Load() before the Config
// is shared across goroutines).
func (c *Config) ensureInitialized() {
	if c.CLIArgs == nil {
		c.CLIArgs = []string{}
	}
}

// Validate checks that the config is internally consistent.
// This is a read-only operation - call ensureInitialized() first if needed.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}
	if c.OutputBufferLines < 0 {
		return fmt.Errorf("output_buffer_lines must not be negative")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("watch_debounce must not be negative")
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetCLIPath returns the explicitly configured kalixcli path, or empty
// string when discovery should fall back to PATH lookup.
func (c *Config) GetCLIPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CLIPath
}

// SetCLIPath sets the explicit kalixcli path. Empty string re-enables
// PATH lookup.
func (c *Config) SetCLIPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CLIPath = path
}

// GetCLIArgs returns a copy of the extra kalixcli arguments
func (c *Config) GetCLIArgs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	args := make([]string, len(c.CLIArgs))
	copy(args, c.CLIArgs)
	return args
}

// SetCLIArgs sets the extra kalixcli arguments
func (c *Config) SetCLIArgs(args []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CLIArgs = make([]string, len(args))
	copy(c.CLIArgs, args)
}

// GetLogLevel returns the configured log level, defaulting to "info"
func (c *Config) GetLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// SetLogLevel sets the log level
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogLevel = level
}

// GetGracePeriod returns the graceful shutdown window, defaulting to 5s
func (c *Config) GetGracePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return c.GracePeriod.Std()
}

// SetGracePeriod sets the graceful shutdown window
func (c *Config) SetGracePeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GracePeriod = Duration(d)
}

// GetOutputBufferLines returns the output buffer capacity, defaulting to 1024
func (c *Config) GetOutputBufferLines() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.OutputBufferLines <= 0 {
		return DefaultOutputBufferLines
	}
	return c.OutputBufferLines
}

// SetOutputBufferLines sets the output buffer capacity
func (c *Config) SetOutputBufferLines(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OutputBufferLines = n
}

// GetWatchDebounce returns the file watch quiet window, defaulting to 500ms
func (c *Config) GetWatchDebounce() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.WatchDebounce <= 0 {
		return DefaultWatchDebounce
	}
	return c.WatchDebounce.Std()
}

// SetWatchDebounce sets the file watch quiet window
func (c *Config) SetWatchDebounce(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WatchDebounce = Duration(d)
}
