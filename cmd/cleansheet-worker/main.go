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

// Command cleansheet-worker runs inside the sandbox container. It reads
// INPUT_FILE, runs normalize, strip, and pixel reconstruction, validates
// the result, and writes it to OUTPUT_FILE. The exit code tells the
// gateway which stage failed.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"cleansheet/internal/cdr"
	"cleansheet/internal/convert"
	"cleansheet/internal/pixel"
	"cleansheet/internal/validate"
)

const (
	exitOK = iota
	_
	exitUsage
	exitConvert
	exitRebuild
	exitValidate
	exitDeliver
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	os.Exit(run())
}

func run() int {
	input := os.Getenv("INPUT_FILE")
	output := os.Getenv("OUTPUT_FILE")
	if input == "" || output == "" {
		slog.Error("INPUT_FILE and OUTPUT_FILE must be set")
		return exitUsage
	}

	scratch, err := os.MkdirTemp("", "cleansheet-worker-*")
	if err != nil {
		slog.Error("Failed to create scratch dir", "error", err)
		return exitUsage
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	ctx := context.Background()

	normalized := filepath.Join(scratch, "normalized.pdf")
	if err := convert.ToPDF(ctx, input, normalized); err != nil {
		slog.Error("Normalization failed", "error", err)
		return exitConvert
	}
	slog.Info("Input normalized to pdf", "file", filepath.Base(input))

	// The strip pass is best effort. If it fails, the pixel pass alone
	// still guarantees a clean output.
	disarmed := filepath.Join(scratch, "disarmed.pdf")
	if err := cdr.Disarm(normalized, disarmed); err != nil {
		slog.Warn("Strip pass failed, continuing with normalized input", "error", err)
		disarmed = normalized
	}

	rebuilt := filepath.Join(scratch, "rebuilt.pdf")
	if err := pixel.Rebuild(disarmed, rebuilt); err != nil {
		slog.Error("Pixel reconstruction failed", "error", err)
		return exitRebuild
	}

	if err := validate.Output(rebuilt); err != nil {
		slog.Error("Output validation failed", "error", err)
		return exitValidate
	}

	if err := deliver(rebuilt, output); err != nil {
		slog.Error("Failed to write output", "error", err)
		return exitDeliver
	}
	slog.Info("Sanitized output written", "file", filepath.Base(output))
	return exitOK
}

// deliver copies the validated artifact to the shared output mount.
func deliver(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}
