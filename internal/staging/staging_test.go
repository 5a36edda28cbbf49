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

package staging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "uploads"), filepath.Join(root, "output"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestSafeBaseName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"my invoice (final).docx", "my_invoice__final_.docx"},
		{".hidden.pdf", "hidden.pdf"},
		{"é.pdf", "_.pdf"},
		{"///", "upload"},
		{"", "upload"},
	}

	for _, tt := range tests {
		if got := SafeBaseName(tt.in); got != tt.want {
			t.Errorf("SafeBaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"a.pdf", "b.DOCX", "c.jpeg", "d.odt", "e.txt"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", "noext", "evil.exe", "script.js", "archive.zip", "a.pdf.exe"} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidType) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidType", name, err)
		}
	}
}

func TestStagePaths(t *testing.T) {
	t.Parallel()
	s := newTestStager(t)

	path, err := s.Stage("job-1", "../sneaky report.pdf", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	want := filepath.Join(s.UploadRoot, "job-1_sneaky_report.pdf")
	if path != want {
		t.Errorf("staged path = %q, want %q", path, want)
	}
	if out := s.OutputPath("job-1"); out != filepath.Join(s.OutputRoot, "job-1_sanitized.pdf") {
		t.Errorf("output path = %q", out)
	}
}

func TestStageSizeBoundary(t *testing.T) {
	t.Parallel()
	s := newTestStager(t)

	// Exactly at the limit is accepted.
	at := bytes.NewReader(make([]byte, MaxFileSize))
	if _, err := s.Stage("job-at", "big.pdf", at); err != nil {
		t.Fatalf("Stage at limit failed: %v", err)
	}

	// One byte over is rejected and the partial file is removed.
	over := bytes.NewReader(make([]byte, MaxFileSize+1))
	if _, err := s.Stage("job-over", "bigger.pdf", over); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Stage over limit = %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(filepath.Join(s.UploadRoot, "job-over_bigger.pdf")); !os.IsNotExist(err) {
		t.Error("oversize partial upload was not removed")
	}
}

func TestHashFileDeterministic(t *testing.T) {
	t.Parallel()
	s := newTestStager(t)

	path, err := s.Stage("job-h", "doc.pdf", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile (1) failed: %v", err)
	}
	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile (2) failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	// Known digest of "hello world".
	if h1 != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("unexpected digest %s", h1)
	}
}

func TestSweepRetiresOrphans(t *testing.T) {
	t.Parallel()
	s := newTestStager(t)

	old := filepath.Join(s.UploadRoot, "old_orphan.pdf")
	fresh := filepath.Join(s.OutputRoot, "fresh_sanitized.pdf")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	if removed := s.Sweep(time.Hour); removed != 1 {
		t.Fatalf("Sweep removed %d files, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale orphan survived sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh artifact was swept")
	}
}
