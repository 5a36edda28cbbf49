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

// Package staging manages the bounded-lifetime upload and output areas:
// content hashing, safe per-job paths, and the orphaned-artifact sweeper.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MaxFileSize is the upload size ceiling.
const MaxFileSize = 100 << 20 // 100 MiB

// hashBlockSize is the read granularity for digest computation.
const hashBlockSize = 4096

// allowedExtensions is the accepted input format set. Everything else is
// rejected before a job is created.
var allowedExtensions = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "txt": true, "rtf": true, "odt": true,
	"jpg": true, "jpeg": true, "png": true,
}

// AllowedExtensions returns the accepted extensions in sorted order.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// ErrInvalidType is returned for filenames without an allowed extension.
var ErrInvalidType = errors.New("invalid file type")

// ErrTooLarge is returned for inputs exceeding MaxFileSize.
var ErrTooLarge = errors.New("file size exceeds 100MB limit")

// Ext returns the lowercased extension of name without the dot, or ""
// when name has none.
func Ext(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// ValidateName checks that name carries an allowed extension.
func ValidateName(name string) error {
	if name == "" || !allowedExtensions[Ext(name)] {
		return ErrInvalidType
	}
	return nil
}

// SafeBaseName reduces an untrusted filename to a safe basename: path
// separators from either platform are stripped, non-portable runes are
// replaced, and leading dots are dropped so the result can never escape
// the staging area or hide itself.
func SafeBaseName(name string) string {
	// Strip directories written with either separator.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	safe := strings.TrimLeft(b.String(), ".")
	if safe == "" {
		safe = "upload"
	}
	return safe
}

// Stager owns the upload and output staging areas.
type Stager struct {
	UploadRoot string
	OutputRoot string
}

// New creates a Stager and ensures both staging areas exist.
func New(uploadRoot, outputRoot string) (*Stager, error) {
	for _, dir := range []string{uploadRoot, outputRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("staging: create %s: %w", dir, err)
		}
	}
	return &Stager{UploadRoot: uploadRoot, OutputRoot: outputRoot}, nil
}

// Stage writes the upload to <upload-root>/<job-id>_<safe-basename> and
// returns the staged path. The copy is bounded: one byte past MaxFileSize
// aborts with ErrTooLarge and removes the partial file.
func (s *Stager) Stage(jobID, originalName string, r io.Reader) (string, error) {
	if err := ValidateName(originalName); err != nil {
		return "", err
	}

	path := filepath.Join(s.UploadRoot, jobID+"_"+SafeBaseName(originalName))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("staging: create upload: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, MaxFileSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxFileSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// OutputPath reserves the sanitized artifact path for a job.
func (s *Stager) OutputPath(jobID string) string {
	return filepath.Join(s.OutputRoot, jobID+"_sanitized.pdf")
}

// HashFile computes the SHA-256 digest of a staged file, read in
// bounded blocks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("staging: open for hash: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("staging: hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Remove deletes a staged artifact, tolerating files already gone.
func Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove staged artifact", "path", path, "error", err)
	}
}

// Sweep deletes any file in either staging area whose modification time
// is older than retireAge and returns the number removed. This is a
// failsafe; per-job cleanup is the primary path.
func (s *Stager) Sweep(retireAge time.Duration) int {
	cutoff := time.Now().Add(-retireAge)
	removed := 0

	for _, dir := range []string{s.UploadRoot, s.OutputRoot} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(dir, entry.Name())
				if err := os.Remove(path); err != nil {
					slog.Warn("Sweeper failed to remove orphan", "path", path, "error", err)
					continue
				}
				slog.Info("Removed orphaned staged artifact", "path", path)
				removed++
			}
		}
	}
	return removed
}
