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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cleansheet/internal/job"
	"cleansheet/internal/staging"
	"cleansheet/pkg/models"
)

type fakeProcessor struct {
	result *job.Result
	err    error
	name   string
}

func (f *fakeProcessor) Process(ctx context.Context, originalName string, upload io.Reader) (*job.Result, error) {
	f.name = originalName
	_, _ = io.Copy(io.Discard, upload)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeScanStore struct {
	records []models.ScanRecord
	limit   int
}

func (f *fakeScanStore) RecentScanRecords(ctx context.Context, limit int) ([]models.ScanRecord, error) {
	f.limit = limit
	return f.records, nil
}

func newTestServer(t *testing.T, p Processor, scans ScanStore) *Server {
	t.Helper()
	s, err := New(p, scans)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func sanitizedResult(t *testing.T, warning bool) (*job.Result, *bool) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "x_sanitized.pdf")
	if err := os.WriteFile(out, []byte("%PDF-1.7\nsanitized body\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cleaned := false
	res := &job.Result{
		Job:           &models.Job{ID: "job-x", State: models.StateProduced},
		OutputPath:    out,
		SuggestedName: "sanitized_report.pdf",
		Warning:       warning,
		Detail:        "THREAT DETECTED: 12 engines flagged as malicious",
		Cleanup:       func() { cleaned = true },
	}
	return res, &cleaned
}

func multipartBody(t *testing.T, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestIndex(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "CleanSheet") || !strings.Contains(body, "100") {
		t.Error("index missing expected content")
	}
}

func TestUploadSuccess(t *testing.T) {
	res, cleaned := sanitizedResult(t, false)
	s := newTestServer(t, &fakeProcessor{result: res}, nil)

	body, ctype := multipartBody(t, "report.pdf", "%PDF-1.4\n")
	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", ctype)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %s", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, `filename="sanitized_report.pdf"`) {
		t.Errorf("Content-Disposition = %s", got)
	}
	if rec.Header().Get("X-Threat-Warning") != "" {
		t.Error("threat warning set for clean file")
	}
	if !strings.Contains(rec.Body.String(), "sanitized body") {
		t.Error("response body is not the artifact")
	}
	if !*cleaned {
		t.Error("Cleanup not called after delivery")
	}
}

func TestUploadThreatHeaders(t *testing.T) {
	res, _ := sanitizedResult(t, true)
	s := newTestServer(t, &fakeProcessor{result: res}, nil)

	body, ctype := multipartBody(t, "invoice.docx", "doc")
	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", ctype)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Threat-Warning"); got != threatWarning {
		t.Errorf("X-Threat-Warning = %q", got)
	}
	if got := rec.Header().Get("X-Threat-Details"); !strings.Contains(got, "12 engines") {
		t.Errorf("X-Threat-Details = %q", got)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"invalid type", &job.InputError{Err: staging.ErrInvalidType}, http.StatusBadRequest, "Invalid file type"},
		{"too large", &job.InputError{Err: staging.ErrTooLarge}, http.StatusBadRequest, "File size exceeds 100MB limit"},
		{"pipeline failure", errors.New("sandbox: worker exited with code 2"), http.StatusInternalServerError, "Sanitization failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeProcessor{err: tt.err}, nil)

			body, ctype := multipartBody(t, "whatever.pdf", "x")
			req := httptest.NewRequest("POST", "/", body)
			req.Header.Set("Content-Type", ctype)

			rec := httptest.NewRecorder()
			s.Routes().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("body is not json: %v", err)
			}
			if resp["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", resp["error"], tt.wantMsg)
			}
		})
	}
}

func TestUploadMissingFile(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, nil)

	req := httptest.NewRequest("POST", "/", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No file provided") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()

	limitErr := &http.MaxBytesError{Limit: staging.MaxFileSize + maxBodyOverhead}
	if !bodyTooLarge(limitErr) {
		t.Error("bare limit error not detected")
	}
	// Multipart parsing wraps the limit error before FormFile sees it.
	if !bodyTooLarge(fmt.Errorf("multipart: NextPart: %w", limitErr)) {
		t.Error("wrapped limit error not detected")
	}
	if bodyTooLarge(errors.New("http: request body too large")) {
		t.Error("matched on message text instead of error type")
	}
	if bodyTooLarge(http.ErrMissingFile) {
		t.Error("unrelated error detected as limit error")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestScansAPI(t *testing.T) {
	store := &fakeScanStore{records: []models.ScanRecord{
		{JobID: "j1", FinalState: models.StateDelivered, FinishedAt: time.Now()},
	}}
	s := newTestServer(t, &fakeProcessor{}, store)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/scans?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.limit != 5 {
		t.Errorf("limit = %d, want 5", store.limit)
	}

	var resp struct {
		Scans []models.ScanRecord `json:"scans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if len(resp.Scans) != 1 || resp.Scans[0].JobID != "j1" {
		t.Errorf("scans = %+v", resp.Scans)
	}
}

func TestScansAPIBadLimit(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeScanStore{})

	for _, limit := range []string{"0", "-3", "9999", "abc"} {
		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/scans?limit="+limit, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestScansAPIWithoutLedger(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/scans", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"scans":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStaticAssets(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, nil)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/static/style.css", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
