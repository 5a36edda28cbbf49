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

// Package convert normalizes any accepted input format into a PDF. PDFs
// pass through byte for byte, images are embedded on a matching page,
// and office documents go through a headless libreoffice run.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	_ "image/jpeg"

	"github.com/signintech/gopdf"

	"cleansheet/internal/staging"
)

// officeTimeout bounds a single libreoffice conversion.
const officeTimeout = 60 * time.Second

// imageDPI maps image pixels onto page points.
const imageDPI = 100.0

// officeExtensions are the formats handed to libreoffice.
var officeExtensions = map[string]bool{
	"doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "txt": true, "rtf": true, "odt": true,
}

// ToPDF converts the file at inputPath into a PDF written to outPath.
// The dispatch is by extension; inputs reach this point only after the
// gateway's extension validation.
func ToPDF(ctx context.Context, inputPath, outPath string) error {
	ext := staging.Ext(inputPath)
	switch {
	case ext == "pdf":
		return copyFile(inputPath, outPath)
	case ext == "jpg" || ext == "jpeg" || ext == "png":
		return imageToPDF(inputPath, outPath)
	case officeExtensions[ext]:
		return officeToPDF(ctx, inputPath, outPath)
	default:
		return fmt.Errorf("convert: unsupported input type %q", ext)
	}
}

// pageSizePoints maps image pixel dimensions to page points at imageDPI.
func pageSizePoints(pxWidth, pxHeight int) (float64, float64) {
	return float64(pxWidth) * 72.0 / imageDPI, float64(pxHeight) * 72.0 / imageDPI
}

// imageToPDF embeds the image on a single page sized to the image.
// Transparency is flattened over white first; PDF pages have no alpha.
func imageToPDF(inputPath, outPath string) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("convert: open image: %w", err)
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("convert: decode image: %w", err)
	}

	bounds := src.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.White, image.Point{}, draw.Src)
	draw.Draw(flat, bounds, src, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, flat); err != nil {
		return fmt.Errorf("convert: flatten image: %w", err)
	}

	w, h := pageSizePoints(bounds.Dx(), bounds.Dy())
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: gopdf.Rect{W: w, H: h}})
	pdf.AddPage()

	holder, err := gopdf.ImageHolderByBytes(buf.Bytes())
	if err != nil {
		return fmt.Errorf("convert: image holder: %w", err)
	}
	if err := pdf.ImageByHolder(holder, 0, 0, &gopdf.Rect{W: w, H: h}); err != nil {
		return fmt.Errorf("convert: place image: %w", err)
	}

	if err := pdf.WritePdf(outPath); err != nil {
		return fmt.Errorf("convert: write pdf: %w", err)
	}
	return nil
}

// officeToPDF converts via headless libreoffice into a scratch directory,
// then adopts the single artifact it produced. Libreoffice picks the
// output name itself, so the scratch directory is enumerated rather than
// guessing; anything other than exactly one PDF is an error.
func officeToPDF(ctx context.Context, inputPath, outPath string) error {
	scratch, err := os.MkdirTemp("", "cleansheet-convert-*")
	if err != nil {
		return fmt.Errorf("convert: scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	runCtx, cancel := context.WithTimeout(ctx, officeTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "libreoffice",
		"--headless", "--convert-to", "pdf", "--outdir", scratch, inputPath)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("convert: libreoffice exceeded %s", officeTimeout)
	}
	if err != nil {
		return fmt.Errorf("convert: libreoffice: %w: %s", err, strings.TrimSpace(string(out)))
	}

	produced, err := findProducedPDF(scratch)
	if err != nil {
		return err
	}
	return copyFile(produced, outPath)
}

func findProducedPDF(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("convert: read scratch dir: %w", err)
	}

	var pdfs []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".pdf") {
			pdfs = append(pdfs, filepath.Join(dir, entry.Name()))
		}
	}
	switch len(pdfs) {
	case 0:
		return "", fmt.Errorf("convert: libreoffice produced no pdf")
	case 1:
		return pdfs[0], nil
	default:
		return "", fmt.Errorf("convert: libreoffice produced %d pdfs, want exactly 1", len(pdfs))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("convert: open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("convert: create %s: %w", dst, err)
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("convert: copy: %w", err)
	}
	return nil
}
