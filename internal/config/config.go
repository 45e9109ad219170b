// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the script engine.
type Config struct {
	Scripts ScriptConfig  `toml:"scripts"`
	Reload  ReloadConfig  `toml:"reload"`
	Editor  EditorConfig  `toml:"editor"`
	Logging LoggingConfig `toml:"logging"`
}

// ScriptConfig holds script loading settings.
type ScriptConfig struct {
	Dir      string `toml:"dir"`       // Directory containing .lua scripts
	ToolMode bool   `toml:"tool_mode"` // Enable placeholders and export caches (editor builds)
}

// ReloadConfig holds hot-reload settings.
type ReloadConfig struct {
	Enabled  bool     `toml:"enabled"`  // Enable the hot-reload coordinator and file watcher
	Debounce Duration `toml:"debounce"` // Delay before a changed file is reloaded
}

// EditorConfig holds editor endpoint settings.
type EditorConfig struct {
	Enabled bool   `toml:"enabled"` // Serve the editor WebSocket endpoint
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=none, 1=lifecycle, 2=reloads, 3=properties
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Scripts: ScriptConfig{
			Dir:      "scripts/",
			ToolMode: false,
		},
		Reload: ReloadConfig{
			Enabled:  true,
			Debounce: Duration(100 * time.Millisecond),
		},
		Editor: EditorConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8765,
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("script-engine", flag.ContinueOnError)
	dir := fs.String("dir", "", "Script directory")
	toolMode := fs.Bool("tool", false, "Enable tool mode (placeholders, export caches)")

	reload := fs.Bool("reload", true, "Enable hot reload")
	debounce := fs.Duration("debounce", 0, "Reload debounce delay")

	editor := fs.Bool("editor", false, "Serve the editor endpoint")
	host := fs.String("host", "", "Editor listen address")
	port := fs.Int("port", 0, "Editor listen port")

	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load TOML config if exists (from config/ subdirectory)
	configPath := "config/engine.toml"
	if *dir != "" {
		configPath = *dir + "/config/engine.toml"
	}
	if err := cfg.loadTOML(configPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *dir != "" {
		cfg.Scripts.Dir = *dir
	}
	if *toolMode {
		cfg.Scripts.ToolMode = true
	}
	if fs.Lookup("reload").Value.String() != "true" {
		cfg.Reload.Enabled = *reload
	}
	if *debounce != 0 {
		cfg.Reload.Debounce = Duration(*debounce)
	}
	if *editor {
		cfg.Editor.Enabled = true
	}
	if *host != "" {
		cfg.Editor.Host = *host
	}
	if *port != 0 {
		cfg.Editor.Port = *port
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SE_SCRIPT_DIR"); v != "" {
		c.Scripts.Dir = v
	}
	if v := os.Getenv("SE_TOOL_MODE"); v != "" {
		c.Scripts.ToolMode = v == "true" || v == "1"
	}
	if v := os.Getenv("SE_RELOAD"); v != "" {
		c.Reload.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SE_EDITOR_HOST"); v != "" {
		c.Editor.Host = v
	}
	if v := os.Getenv("SE_EDITOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Editor.Port = port
		}
	}
	if v := os.Getenv("SE_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level (0-3).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log logs a message if the configured verbosity is at least level.
// Level 0 messages are always logged.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil || level <= c.Logging.Verbosity {
		log.Printf(format, args...)
	}
}
