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

// Package web provides the HTTP surface of the gateway: the upload UI,
// the sanitization endpoint, the scan history API, health, and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"cleansheet/internal/assets"
	"cleansheet/internal/job"
	"cleansheet/internal/metrics"
	"cleansheet/internal/staging"
	"cleansheet/pkg/models"
)

// threatWarning is the header value attached when the pre-scan flagged
// the original upload.
const threatWarning = "Original file contained malware - now sanitized"

// maxBodyOverhead pads the request body limit past the file size cap to
// leave room for multipart framing.
const maxBodyOverhead = 1 << 20

// Processor runs one upload through the sanitization pipeline.
type Processor interface {
	Process(ctx context.Context, originalName string, upload io.Reader) (*job.Result, error)
}

// ScanStore reads the scan ledger for the history API.
type ScanStore interface {
	RecentScanRecords(ctx context.Context, limit int) ([]models.ScanRecord, error)
}

// Server is the gateway HTTP server.
type Server struct {
	processor Processor
	scans     ScanStore
	tmpl      *template.Template
}

// New creates a Server. scans may be nil; the history API then reports
// an empty ledger.
func New(processor Processor, scans ScanStore) (*Server, error) {
	tmpl, err := template.ParseFS(assets.FS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse templates: %w", err)
	}
	return &Server{processor: processor, scans: scans, tmpl: tmpl}, nil
}

// Routes returns the gateway's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /{$}", s.handleUpload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/scans", s.handleScans)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /static/", http.FileServerFS(assets.FS))
	return mux
}

type indexData struct {
	MaxSizeMB  int
	Extensions []string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{
		MaxSizeMB:  staging.MaxFileSize >> 20,
		Extensions: staging.AllowedExtensions(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		slog.Error("Failed to render index", "error", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, staging.MaxFileSize+maxBodyOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		if bodyTooLarge(err) {
			writeError(w, http.StatusBadRequest, "File size exceeds 100MB limit")
			return
		}
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer func() { _ = file.Close() }()

	res, err := s.processor.Process(r.Context(), header.Filename, file)
	if err != nil {
		s.writeProcessError(w, err)
		return
	}
	defer res.Cleanup()

	out, err := os.Open(res.OutputPath)
	if err != nil {
		slog.Error("Sanitized artifact unreadable", "job_id", res.Job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Sanitization failed")
		return
	}
	defer func() { _ = out.Close() }()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.SuggestedName))
	if info, err := out.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if res.Warning {
		w.Header().Set("X-Threat-Warning", threatWarning)
		w.Header().Set("X-Threat-Details", res.Detail)
	}

	if _, err := io.Copy(w, out); err != nil {
		slog.Warn("Delivery interrupted", "job_id", res.Job.ID, "error", err)
	}
}

// bodyTooLarge reports whether err came from the MaxBytesReader limit.
// Multipart parsing wraps the error, so unwrap rather than match text.
func bodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (s *Server) writeProcessError(w http.ResponseWriter, err error) {
	var inputErr *job.InputError
	switch {
	case errors.Is(err, staging.ErrInvalidType):
		writeError(w, http.StatusBadRequest, "Invalid file type")
	case errors.Is(err, staging.ErrTooLarge):
		writeError(w, http.StatusBadRequest, "File size exceeds 100MB limit")
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, inputErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Sanitization failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if val := r.URL.Query().Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records := []models.ScanRecord{}
	if s.scans != nil {
		recs, err := s.scans.RecentScanRecords(r.Context(), limit)
		if err != nil {
			slog.Error("Failed to read scan ledger", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to read scan history")
			return
		}
		if recs != nil {
			records = recs
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": records})
}
