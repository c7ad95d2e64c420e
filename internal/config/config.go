package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/yew011/etwpilot-sub000/internal/maps"
)

// Configuration system:
// - config.example.toml is generated with the generate-config command
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration (metrics endpoint of the serve command)
	Server ServerConfig `toml:"server"`

	// Session engine defaults
	Session SessionConfig `toml:"session"`

	// Static provider catalog
	Catalog CatalogConfig `toml:"catalog"`

	// Export store and file formats
	Export ExportConfig `toml:"export"`

	// Session registry settings
	Registry RegistryConfig `toml:"registry"`

	// Named session profiles started by the serve command
	Sessions []ProfileConfig `toml:"sessions"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9189")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// Duration is a time.Duration written as a Go duration string ("2s", "500ms").
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// SessionConfig contains the engine defaults shared by every session.
type SessionConfig struct {
	// Native session name prefix; a random suffix is always appended (default: "etwpilot")
	NamePrefix string `toml:"name_prefix"`

	// How long a session may go without buffers past its time threshold
	// or a stop request before the engine stops it out of band (default: "2s")
	IdleGrace Duration `toml:"idle_grace"`

	// Progress channel size per session (default: 64)
	ProgressBuffer int `toml:"progress_buffer"`

	// Minimum time between per-buffer progress updates (default: "500ms")
	ProgressInterval Duration `toml:"progress_interval"`

	// Directory for capture files; empty disables capturing (default: "")
	CaptureDir string `toml:"capture_dir"`
}

// CatalogConfig contains the static provider catalog.
type CatalogConfig struct {
	// Also resolve against the providers registered on the system (Windows only, default: true)
	UseSystem bool `toml:"use_system"`

	// Extra providers known by name
	Providers []CatalogEntry `toml:"providers"`
}

// CatalogEntry names one provider.
type CatalogEntry struct {
	Name string `toml:"name"`
	// GUID in the 8-4-4-4-12 form, braces optional
	GUID string `toml:"guid"`
}

// ExportConfig contains export settings.
type ExportConfig struct {
	// SQLite database path; empty disables the store (default: "etwpilot.db")
	Database string `toml:"database"`

	// Default file format: "jsonl" or "yaml" (default: "jsonl")
	Format string `toml:"format"`
}

// RegistryConfig contains session registry settings.
type RegistryConfig struct {
	// Concurrent map backend: "xsync", "sharded", "cornelk" or "sync" (default: "xsync")
	MapImpl string `toml:"map_impl"`
}

// ProfileConfig is a named session started by the serve command.
type ProfileConfig struct {
	Name string `toml:"name"`

	// Provider names or GUIDs
	Providers []string `toml:"providers"`

	// Stop thresholds; at least one must be set
	StopOnBytesMB int `toml:"stop_on_bytes_mb"`
	StopOnSeconds int `toml:"stop_on_seconds"`

	// Optional filters
	TargetProcessIDs   []uint32 `toml:"target_process_ids"`
	TargetProcessNames []string `toml:"target_process_names"`
	EventIDs           []uint16 `toml:"event_ids"`

	// Start the profile again after it stops (default: false)
	Restart bool `toml:"restart"`

	// Store the events in the export database when the session ends (default: true)
	Store bool `toml:"store"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`

	// ETW library log level (default: "warn")
	LibLevel string `toml:"lib_level"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog", "eventlog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console  *ConsoleConfig  `toml:"console,omitempty"`
	File     *FileConfig     `toml:"file,omitempty"`
	Syslog   *SyslogConfig   `toml:"syslog,omitempty"`
	Eventlog *EventlogConfig `toml:"eventlog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "etwpilot")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// EventlogConfig contains Windows Event Log settings
type EventlogConfig struct {
	// Event source name (default: "ETW Pilot")
	Source string `toml:"source"`

	// Event ID for log entries (default: 1000)
	ID int `toml:"id"`

	// Target host (default: local machine)
	Host string `toml:"host"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9189",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Session: SessionConfig{
			NamePrefix:       "etwpilot",
			IdleGrace:        Duration{2 * time.Second},
			ProgressBuffer:   64,
			ProgressInterval: Duration{500 * time.Millisecond},
			CaptureDir:       "",
		},
		Catalog: CatalogConfig{
			UseSystem: true,
			Providers: []CatalogEntry{},
		},
		Export: ExportConfig{
			Database: "etwpilot.db",
			Format:   "jsonl",
		},
		Registry: RegistryConfig{
			MapImpl: maps.ImplXSync,
		},
		Sessions: []ProfileConfig{},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/etwpilot.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "etwpilot",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
				{
					Type:    "eventlog",
					Enabled: false,
					Eventlog: &EventlogConfig{
						Source: "ETW Pilot",
						ID:     1000,
						Host:   "", // localhost
						Async:  false,
					},
				},
			},
			LibLevel: "warn",
		},
	}
}

// LoadConfig loads configuration from a TOML file on top of the defaults.
// An empty path returns the defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s: %w", configPath, err)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// exampleProfile is written to generated configs so the [[sessions]]
// table shape is visible.
var exampleProfile = ProfileConfig{
	Name:          "process-lifecycle",
	Providers:     []string{"Microsoft-Windows-Kernel-Process"},
	StopOnSeconds: 60,
	EventIDs:      []uint16{1, 2},
	Restart:       true,
	Store:         true,
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# ETW Pilot Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	config := DefaultConfig()
	config.Sessions = []ProfileConfig{exampleProfile}
	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	if strings.TrimSpace(c.Session.NamePrefix) == "" {
		return fmt.Errorf("session.name_prefix cannot be empty")
	}
	if c.Session.IdleGrace.Duration <= 0 {
		return fmt.Errorf("session.idle_grace must be positive, got %s", c.Session.IdleGrace)
	}
	if c.Session.ProgressInterval.Duration <= 0 {
		return fmt.Errorf("session.progress_interval must be positive, got %s", c.Session.ProgressInterval)
	}
	if c.Session.ProgressBuffer < 1 {
		return fmt.Errorf("session.progress_buffer must be at least 1, got %d", c.Session.ProgressBuffer)
	}

	for i, e := range c.Catalog.Providers {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("catalog.providers[%d]: name cannot be empty", i)
		}
		g := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(e.GUID), "{"), "}")
		if _, err := uuid.Parse(g); err != nil || len(g) != 36 {
			return fmt.Errorf("catalog.providers[%d] %q: invalid guid %q", i, e.Name, e.GUID)
		}
	}

	switch c.Export.Format {
	case "jsonl", "yaml":
	default:
		return fmt.Errorf("export.format must be \"jsonl\" or \"yaml\", got %q", c.Export.Format)
	}

	if !slices.Contains(maps.Implementations(), c.Registry.MapImpl) {
		return fmt.Errorf("registry.map_impl must be one of %v, got %q", maps.Implementations(), c.Registry.MapImpl)
	}

	seen := make(map[string]bool, len(c.Sessions))
	for i, p := range c.Sessions {
		if p.Name == "" {
			return fmt.Errorf("sessions[%d]: name cannot be empty", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("sessions[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = true
		if len(p.Providers) == 0 {
			return fmt.Errorf("sessions %q: at least one provider is required", p.Name)
		}
		if p.StopOnBytesMB < 0 || p.StopOnSeconds < 0 {
			return fmt.Errorf("sessions %q: stop thresholds must not be negative", p.Name)
		}
		if p.StopOnBytesMB == 0 && p.StopOnSeconds == 0 {
			return fmt.Errorf("sessions %q: set stop_on_bytes_mb or stop_on_seconds", p.Name)
		}
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}
