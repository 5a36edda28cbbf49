// CleanSheet is a document sanitization gateway.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds gateway configuration loaded from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds configuration for the sanitization gateway.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DataDir is the root under which uploads/ and output/ live.
	DataDir string

	// DBPath is the sqlite scan ledger path.
	DBPath string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// VirusTotalAPIKey is the reputation service credential.
	// Empty means degraded operation (all verdicts indeterminate).
	VirusTotalAPIKey string

	// HostPWD is the host-side path prefix used to derive bind mount
	// sources when the gateway itself runs in a container.
	HostPWD string

	// WorkerImage is the sandbox worker image tag.
	WorkerImage string

	// BuildContextDir is the directory holding the worker image recipe.
	BuildContextDir string

	// RejectOnPreScanThreat fails jobs whose pre-scan flags a threat
	// instead of sanitizing anyway. Off by default: the product promises
	// to neutralize, not to refuse.
	RejectOnPreScanThreat bool

	// SweepInterval is how often the orphaned-artifact sweeper runs.
	SweepInterval time.Duration

	// RetireAge is the age beyond which an unowned staged artifact is
	// deleted by the sweeper.
	RetireAge time.Duration

	// WorkerTimeout is the sandbox wall-clock ceiling.
	WorkerTimeout time.Duration
}

// Default returns the default gateway configuration.
func Default() Config {
	return Config{
		Port:            "10400",
		DataDir:         "/app",
		DBPath:          "cleansheet.db",
		LogLevel:        "info",
		WorkerImage:     "cleansheet-worker:latest",
		BuildContextDir: "/app",
		SweepInterval:   5 * time.Minute,
		RetireAge:       time.Hour,
		WorkerTimeout:   300 * time.Second,
	}
}

// UploadDir returns the staging area for uploads.
func (c Config) UploadDir() string { return filepath.Join(c.DataDir, "uploads") }

// OutputDir returns the staging area for sanitized outputs.
func (c Config) OutputDir() string { return filepath.Join(c.DataDir, "output") }

// LoadFromEnv loads configuration from environment variables on top of
// the defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	cfg.VirusTotalAPIKey = os.Getenv("VIRUSTOTAL_API_KEY")
	cfg.HostPWD = os.Getenv("HOST_PWD")

	if val := os.Getenv("CLEANSHEET_PORT"); val != "" {
		if _, err := strconv.Atoi(val); err != nil {
			return cfg, fmt.Errorf("invalid CLEANSHEET_PORT value: %w", err)
		}
		cfg.Port = val
	}

	if val := os.Getenv("CLEANSHEET_DATA_DIR"); val != "" {
		cfg.DataDir = val
		cfg.BuildContextDir = val
	}

	if val := os.Getenv("CLEANSHEET_DB"); val != "" {
		cfg.DBPath = val
	}

	if val := os.Getenv("CLEANSHEET_LOG_LEVEL"); val != "" {
		switch val {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = val
		default:
			return cfg, fmt.Errorf("invalid CLEANSHEET_LOG_LEVEL: must be 'debug', 'info', 'warn', or 'error', got %q", val)
		}
	}

	if val := os.Getenv("CLEANSHEET_WORKER_IMAGE"); val != "" {
		cfg.WorkerImage = val
	}

	if val := os.Getenv("CLEANSHEET_REJECT_ON_PRESCAN"); val != "" {
		reject, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLEANSHEET_REJECT_ON_PRESCAN value: %w", err)
		}
		cfg.RejectOnPreScanThreat = reject
	}

	if val := os.Getenv("CLEANSHEET_SWEEP_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLEANSHEET_SWEEP_INTERVAL: %w", err)
		}
		if d < time.Minute {
			return cfg, fmt.Errorf("CLEANSHEET_SWEEP_INTERVAL must be at least 1 minute")
		}
		cfg.SweepInterval = d
	}

	return cfg, nil
}
