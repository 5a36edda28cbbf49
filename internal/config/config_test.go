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

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Port != "10400" {
		t.Errorf("default port = %q, want 10400", cfg.Port)
	}
	if cfg.RetireAge != time.Hour {
		t.Errorf("default retire age = %v, want 1h", cfg.RetireAge)
	}
	if cfg.WorkerTimeout != 300*time.Second {
		t.Errorf("default worker timeout = %v, want 300s", cfg.WorkerTimeout)
	}
	if cfg.RejectOnPreScanThreat {
		t.Error("pre-scan rejection should default off")
	}
	if cfg.UploadDir() != "/app/uploads" || cfg.OutputDir() != "/app/output" {
		t.Errorf("staging dirs = %q, %q", cfg.UploadDir(), cfg.OutputDir())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VIRUSTOTAL_API_KEY", "test-key")
	t.Setenv("HOST_PWD", "/home/user/cleansheet")
	t.Setenv("CLEANSHEET_DATA_DIR", "/srv/cleansheet")
	t.Setenv("CLEANSHEET_REJECT_ON_PRESCAN", "true")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if cfg.VirusTotalAPIKey != "test-key" {
		t.Errorf("api key = %q", cfg.VirusTotalAPIKey)
	}
	if cfg.HostPWD != "/home/user/cleansheet" {
		t.Errorf("host pwd = %q", cfg.HostPWD)
	}
	if cfg.UploadDir() != "/srv/cleansheet/uploads" {
		t.Errorf("upload dir = %q", cfg.UploadDir())
	}
	if !cfg.RejectOnPreScanThreat {
		t.Error("reject-on-prescan should be enabled")
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "CLEANSHEET_PORT", "not-a-port"},
		{"bad log level", "CLEANSHEET_LOG_LEVEL", "verbose"},
		{"bad reject flag", "CLEANSHEET_REJECT_ON_PRESCAN", "maybe"},
		{"bad sweep interval", "CLEANSHEET_SWEEP_INTERVAL", "often"},
		{"sweep interval too short", "CLEANSHEET_SWEEP_INTERVAL", "10s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Errorf("LoadFromEnv accepted %s=%q", tt.key, tt.value)
			}
		})
	}
}
