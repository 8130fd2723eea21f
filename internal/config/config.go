// Package config loads dt config from YAML. Env overrides take precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dosetap/dt/internal/dose"
)

// Config holds resolved paths and settings. Paths use XDG defaults when not
// in the file. The dosing window clamp itself is not here: min/max offsets
// are fixed safety constants and no config surface may set them.
type Config struct {
	DBPath      string `yaml:"db_path"`
	DataDir     string `yaml:"data_dir"`
	DeviceLabel string `yaml:"device_label"`

	// Dosing tunables (the only adjustable timing parameters).
	TargetMinutes     int `yaml:"target_minutes"`
	SnoozeStepMinutes int `yaml:"snooze_step_minutes"`
	MaxSnoozes        int `yaml:"max_snoozes"`
	UndoWindowSeconds int `yaml:"undo_window_seconds"`
	RolloverHour      int `yaml:"rollover_hour"`

	QueueDepth    int `yaml:"queue_depth"`
	StallAfter    int `yaml:"stall_after"`
	RetentionDays int `yaml:"retention_days"`

	Sync   SyncConfig   `yaml:"sync"`
	Health HealthConfig `yaml:"health"`
}

// SyncConfig selects and configures the delivery backend.
type SyncConfig struct {
	Backend  string `yaml:"backend"` // https | s3 | folder | none
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`

	FolderPath string `yaml:"folder_path"`

	Encrypt bool   `yaml:"encrypt"`
	KeyFile string `yaml:"key_file"`
}

// HealthConfig configures the optional read-only sleep-data provider.
type HealthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// Load reads config from XDG_CONFIG_HOME/dosetap/config.yaml. A missing file
// uses defaults. Env overrides: DT_DB_PATH, DT_DATA_DIR, DT_SYNC_BACKEND,
// DT_SYNC_ENDPOINT, DT_API_KEY, DT_WHOOP_CLIENT_ID, DT_WHOOP_CLIENT_SECRET,
// DT_WHOOP_REFRESH_TOKEN.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "dosetap", "config.yaml")

	c := &Config{
		DBPath:            filepath.Join(dataHome, "dosetap", "dt.db"),
		DataDir:           filepath.Join(dataHome, "dosetap"),
		TargetMinutes:     165,
		SnoozeStepMinutes: 10,
		MaxSnoozes:        3,
		UndoWindowSeconds: 5,
		RolloverHour:      18,
		QueueDepth:        500,
		StallAfter:        8,
		RetentionDays:     365,
		Sync:              SyncConfig{Backend: "none"},
	}

	b, err := os.ReadFile(path)
	if err == nil {
		var raw Config
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if raw.DBPath != "" {
			c.DBPath = resolvePath(raw.DBPath, dataHome)
		}
		if raw.DataDir != "" {
			c.DataDir = resolvePath(raw.DataDir, dataHome)
		}
		if raw.DeviceLabel != "" {
			c.DeviceLabel = raw.DeviceLabel
		}
		if raw.TargetMinutes > 0 {
			c.TargetMinutes = raw.TargetMinutes
		}
		if raw.SnoozeStepMinutes > 0 {
			c.SnoozeStepMinutes = raw.SnoozeStepMinutes
		}
		if raw.MaxSnoozes > 0 {
			c.MaxSnoozes = raw.MaxSnoozes
		}
		if raw.UndoWindowSeconds > 0 {
			c.UndoWindowSeconds = raw.UndoWindowSeconds
		}
		if raw.RolloverHour > 0 {
			c.RolloverHour = raw.RolloverHour
		}
		if raw.QueueDepth > 0 {
			c.QueueDepth = raw.QueueDepth
		}
		if raw.StallAfter > 0 {
			c.StallAfter = raw.StallAfter
		}
		if raw.RetentionDays > 0 {
			c.RetentionDays = raw.RetentionDays
		}
		if raw.Sync.Backend != "" {
			c.Sync = raw.Sync
			if c.Sync.KeyFile != "" {
				c.Sync.KeyFile = resolvePath(c.Sync.KeyFile, dataHome)
			}
			if c.Sync.FolderPath != "" {
				c.Sync.FolderPath = resolvePath(c.Sync.FolderPath, dataHome)
			}
		}
		c.Health = raw.Health
	}

	// Env overrides
	if v := os.Getenv("DT_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("DT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DT_SYNC_BACKEND"); v != "" {
		c.Sync.Backend = v
	}
	if v := os.Getenv("DT_SYNC_ENDPOINT"); v != "" {
		c.Sync.Endpoint = v
	}
	if v := os.Getenv("DT_API_KEY"); v != "" {
		c.Sync.APIKey = v
	}
	if v := os.Getenv("DT_WHOOP_CLIENT_ID"); v != "" {
		c.Health.ClientID = v
	}
	if v := os.Getenv("DT_WHOOP_CLIENT_SECRET"); v != "" {
		c.Health.ClientSecret = v
	}
	if v := os.Getenv("DT_WHOOP_REFRESH_TOKEN"); v != "" {
		c.Health.RefreshToken = v
	}

	return c, nil
}

// DoseConfig converts the tunables into the validated dosing config.
func (c *Config) DoseConfig() (dose.Config, error) {
	dc := dose.Config{
		TargetOffset: time.Duration(c.TargetMinutes) * time.Minute,
		SnoozeStep:   time.Duration(c.SnoozeStepMinutes) * time.Minute,
		MaxSnoozes:   c.MaxSnoozes,
		UndoWindow:   time.Duration(c.UndoWindowSeconds) * time.Second,
		RolloverHour: c.RolloverHour,
	}
	if err := dc.Validate(); err != nil {
		return dose.Config{}, err
	}
	return dc, nil
}

// MasterKey reads the 32-byte envelope key when encryption is on.
func (c *Config) MasterKey() ([]byte, error) {
	if !c.Sync.Encrypt {
		return nil, nil
	}
	if c.Sync.KeyFile == "" {
		return nil, fmt.Errorf("sync.encrypt is on but sync.key_file is not set")
	}
	b, err := os.ReadFile(c.Sync.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key file must hold exactly 32 bytes, got %d", len(b))
	}
	return b, nil
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $XDG_CONFIG_HOME, $HOME in paths from
// the config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
