package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestConfigData tests configuration data, defaults, edge cases, and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		config     *AppConfig
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  bool
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
			validate: func(t *testing.T, c *AppConfig) {
				if c.Server.ListenAddress != "localhost:9189" {
					t.Errorf("Expected ListenAddress 'localhost:9189', got %s", c.Server.ListenAddress)
				}
				if c.Session.IdleGrace.Duration != 2*time.Second {
					t.Errorf("Expected idle grace 2s, got %s", c.Session.IdleGrace)
				}
				if c.Registry.MapImpl != "xsync" {
					t.Errorf("Expected map_impl 'xsync', got %s", c.Registry.MapImpl)
				}
				if len(c.Logging.Outputs) != 4 {
					t.Errorf("Expected 4 outputs, got %d", len(c.Logging.Outputs))
				}
			},
		},
		{
			name: "custom logging config",
			configTOML: `
[logging.defaults]
level = "debug"

[[logging.outputs]]
type = "console"
enabled = true

[[logging.outputs]]
type = "file"
enabled = true
[logging.outputs.file]
filename = "app.log"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Logging.Defaults.Level != "debug" {
					t.Errorf("Expected debug level, got %s", c.Logging.Defaults.Level)
				}
				if len(c.Logging.Outputs) != 2 {
					t.Errorf("Expected 2 outputs, got %d", len(c.Logging.Outputs))
				}
				if c.Logging.Outputs[0].Type != "console" {
					t.Errorf("Expected first output 'console', got %s", c.Logging.Outputs[0].Type)
				}
			},
		},
		{
			name: "session durations and profiles",
			configTOML: `
[session]
name_prefix = "lab"
idle_grace = "750ms"
progress_interval = "1s"

[catalog]
use_system = false
providers = [
  { name = "Contoso-App", guid = "{6A399AE0-4BC6-4DE9-870B-3657F8947E7E}" },
]

[[sessions]]
name = "app"
providers = ["Contoso-App"]
stop_on_seconds = 30
target_process_names = ["app.exe"]
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Session.NamePrefix != "lab" {
					t.Errorf("Expected prefix 'lab', got %s", c.Session.NamePrefix)
				}
				if c.Session.IdleGrace.Duration != 750*time.Millisecond {
					t.Errorf("Expected 750ms, got %s", c.Session.IdleGrace)
				}
				if c.Session.ProgressBuffer != 64 {
					t.Errorf("Expected default progress buffer 64, got %d", c.Session.ProgressBuffer)
				}
				if len(c.Catalog.Providers) != 1 || c.Catalog.Providers[0].Name != "Contoso-App" {
					t.Errorf("Unexpected catalog providers %+v", c.Catalog.Providers)
				}
				if len(c.Sessions) != 1 || c.Sessions[0].StopOnSeconds != 30 {
					t.Errorf("Unexpected profiles %+v", c.Sessions)
				}
			},
		},
		{
			name: "bad duration",
			configTOML: `
[session]
idle_grace = "soon"
`,
			expectErr: true,
		},
		{
			name:   "invalid empty listen address",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Server.ListenAddress = ""
			},
			expectErr: true,
		},
		{
			name:   "invalid zero idle grace",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Session.IdleGrace = Duration{}
			},
			expectErr: true,
		},
		{
			name:   "invalid catalog guid",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Catalog.Providers = []CatalogEntry{{Name: "x", GUID: "not-a-guid"}}
			},
			expectErr: true,
		},
		{
			name:   "invalid export format",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Export.Format = "xml"
			},
			expectErr: true,
		},
		{
			name:   "invalid map implementation",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Registry.MapImpl = "btree"
			},
			expectErr: true,
		},
		{
			name:   "profile without thresholds",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Sessions = []ProfileConfig{{Name: "p", Providers: []string{"x"}}}
			},
			expectErr: true,
		},
		{
			name:   "duplicate profile names",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				p := ProfileConfig{Name: "p", Providers: []string{"x"}, StopOnSeconds: 1}
				c.Sessions = []ProfileConfig{p, p}
			},
			expectErr: true,
		},
		{
			name:   "invalid no outputs enabled",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				for i := range c.Logging.Outputs {
					c.Logging.Outputs[i].Enabled = false
				}
			},
			expectErr: true,
		},
		{
			name: "valid custom server config",
			configTOML: `
[server]
listen_address = ":8080"
metrics_path = "/custom"

[registry]
map_impl = "cornelk"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Server.ListenAddress != ":8080" {
					t.Errorf("Expected :8080, got %s", c.Server.ListenAddress)
				}
				if c.Server.MetricsPath != "/custom" {
					t.Errorf("Expected /custom, got %s", c.Server.MetricsPath)
				}
				if c.Registry.MapImpl != "cornelk" {
					t.Errorf("Expected cornelk, got %s", c.Registry.MapImpl)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg *AppConfig

			if tt.config != nil {
				cfg = tt.config
				if tt.setupFunc != nil {
					tt.setupFunc(cfg)
				}
			} else {
				path := filepath.Join(t.TempDir(), "test.toml")
				if err := os.WriteFile(path, []byte(tt.configTOML), 0644); err != nil {
					t.Fatalf("Failed to write config: %v", err)
				}
				var err error
				cfg, err = LoadConfig(path)
				if err != nil {
					if tt.expectErr {
						return
					}
					t.Fatalf("Failed to load config: %v", err)
				}
			}

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected validation error but got none")
			} else if !tt.expectErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}

			if !tt.expectErr && tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

// TestLoadConfig tests loading configurations with fallbacks and validation
func TestLoadConfig(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Default config validation failed: %v", err)
		}
	})

	t.Run("missing file reports not exist with defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.toml"))
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("Expected fs.ErrNotExist, got %v", err)
		}
		if cfg == nil || cfg.Server.MetricsPath != "/metrics" {
			t.Error("Expected defaults alongside the error")
		}
	})

	t.Run("invalid TOML returns error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		if err := os.WriteFile(path, []byte("[server]\nlisten_address = \":8080\"\ninvalid_syntax [\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("Expected error but got none")
		}
	})
}

// TestSaveConfig tests saving configurations
func TestSaveConfig(t *testing.T) {
	t.Run("save and load roundtrip", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "subdir", "test.toml")

		original := DefaultConfig()
		original.Server.ListenAddress = ":7777"
		original.Session.IdleGrace = Duration{3 * time.Second}
		original.Logging.Defaults.Level = "debug"

		if err := SaveConfig(configPath, original); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}

		loaded, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("Failed to load: %v", err)
		}

		if loaded.Server.ListenAddress != ":7777" {
			t.Errorf("Expected :7777, got %s", loaded.Server.ListenAddress)
		}
		if loaded.Session.IdleGrace.Duration != 3*time.Second {
			t.Errorf("Expected 3s, got %s", loaded.Session.IdleGrace)
		}
		if loaded.Logging.Defaults.Level != "debug" {
			t.Errorf("Expected debug, got %s", loaded.Logging.Defaults.Level)
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		if err := SaveConfig("\x00invalid", DefaultConfig()); err == nil {
			t.Error("Expected error for invalid path")
		}
	})
}

// TestConfigGenerator tests configuration generation
func TestConfigGenerator(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "example.toml")

	if err := GenerateExampleConfig(configPath); err != nil {
		t.Fatalf("Failed to generate config: %v", err)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Generated config is invalid: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Generated config validation failed: %v", err)
	}
	if len(config.Sessions) != 1 || config.Sessions[0].Name != exampleProfile.Name {
		t.Errorf("Expected the example profile, got %+v", config.Sessions)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	if !strings.Contains(string(content), "ETW Pilot Example Configuration") {
		t.Error("Generated config missing expected header")
	}
}
