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

// Package reputation implements the multi-engine scan client (VirusTotal
// API v3). It is defense-in-depth only: every failure mode degrades to an
// indeterminate verdict and the pipeline proceeds, because the pixel
// reconstruction pass is the primary security control.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cleansheet/pkg/models"
)

// suspiciousTolerance is the number of suspicious engine flags tolerated
// before a file is called suspicious; cross-engine false positives are
// common below this.
const suspiciousTolerance = 3

// Config controls the reputation client.
type Config struct {
	// APIKey is the x-apikey credential. Empty disables scanning.
	APIKey string

	// BaseURL is the service root, without trailing slash.
	BaseURL string

	// LookupTimeout bounds the hash lookup request.
	LookupTimeout time.Duration

	// UploadTimeout bounds the file submission request.
	UploadTimeout time.Duration

	// PollInterval and PollBudget bound the analysis polling loop.
	PollInterval time.Duration
	PollBudget   time.Duration
}

// DefaultConfig returns the production client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://www.virustotal.com/api/v3",
		LookupTimeout: 30 * time.Second,
		UploadTimeout: 120 * time.Second,
		PollInterval:  5 * time.Second,
		PollBudget:    60 * time.Second,
	}
}

// Client queries the reputation service for scan verdicts.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a reputation client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, client: &http.Client{}}
}

// analysisStats mirrors the service's last_analysis_stats shape.
type analysisStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
}

type fileReport struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats analysisStats `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

type uploadResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type analysisReport struct {
	Data struct {
		Attributes struct {
			Status string        `json:"status"`
			Stats  analysisStats `json:"stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// interpret maps engine stats onto a verdict.
func interpret(stats analysisStats) models.Verdict {
	switch {
	case stats.Malicious >= 1:
		return models.Malicious(stats.Malicious)
	case stats.Suspicious > suspiciousTolerance:
		return models.Suspicious(stats.Suspicious, stats.Harmless+stats.Undetected)
	default:
		return models.Clean(stats.Harmless + stats.Undetected)
	}
}

// Scan returns a verdict for the staged file with the given digest.
// It never returns an error: missing credentials and transport failures
// degrade to indeterminate.
func (c *Client) Scan(ctx context.Context, path, sha256 string) models.Verdict {
	if c.cfg.APIKey == "" {
		slog.Warn("Reputation scan skipped: no API key configured")
		return models.Indeterminate("no API key configured")
	}

	verdict, found, err := c.lookup(ctx, sha256)
	if err != nil {
		slog.Warn("Reputation hash lookup failed", "sha256", sha256, "error", err)
		return models.Indeterminate(err.Error())
	}
	if found {
		return verdict
	}

	// Not in the database: submit the file and poll the analysis.
	analysisID, err := c.upload(ctx, path)
	if err != nil {
		slog.Warn("Reputation upload failed", "error", err)
		return models.Indeterminate(err.Error())
	}
	return c.poll(ctx, analysisID)
}

// lookup queries GET /files/<sha256>. found is false on a 404.
func (c *Client) lookup(ctx context.Context, sha256 string) (models.Verdict, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/files/"+sha256, nil)
	if err != nil {
		return models.Verdict{}, false, err
	}
	req.Header.Set("x-apikey", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return models.Verdict{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var report fileReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return models.Verdict{}, false, fmt.Errorf("decode file report: %w", err)
		}
		v := interpret(report.Data.Attributes.LastAnalysisStats)
		slog.Info("Reputation hash lookup complete", "sha256", sha256, "verdict", v.Kind)
		return v, true, nil
	case http.StatusNotFound:
		return models.Verdict{}, false, nil
	default:
		return models.Verdict{}, false, fmt.Errorf("reputation API error: status %d", resp.StatusCode)
	}
}

// upload submits the file via POST /files and returns the analysis id.
func (c *Client) upload(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/files", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload failed: status %d", resp.StatusCode)
	}

	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	slog.Info("Reputation upload accepted", "analysis_id", up.Data.ID)
	return up.Data.ID, nil
}

// poll fetches GET /analyses/<id> until the analysis completes or the
// poll budget is exhausted, which yields indeterminate(timeout).
func (c *Client) poll(ctx context.Context, analysisID string) models.Verdict {
	deadline := time.Now().Add(c.cfg.PollBudget)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return models.Indeterminate("canceled")
		case <-time.After(c.cfg.PollInterval):
		}

		report, err := c.fetchAnalysis(ctx, analysisID)
		if err != nil {
			slog.Warn("Reputation analysis poll failed", "analysis_id", analysisID, "error", err)
			return models.Indeterminate(err.Error())
		}
		if report.Data.Attributes.Status == "completed" {
			v := interpret(report.Data.Attributes.Stats)
			slog.Info("Reputation analysis complete", "analysis_id", analysisID, "verdict", v.Kind)
			return v
		}
	}

	slog.Warn("Reputation analysis timed out", "analysis_id", analysisID)
	return models.Indeterminate("timeout")
}

func (c *Client) fetchAnalysis(ctx context.Context, analysisID string) (*analysisReport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/analyses/"+analysisID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-apikey", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis poll: status %d", resp.StatusCode)
	}

	var report analysisReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode analysis report: %w", err)
	}
	return &report, nil
}
