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

// Package pixel rebuilds a PDF from rendered page images. This is the
// primary security control: the output shares no object structure with
// the input, only pixels. Anything active that survived the strip pass
// cannot survive rasterization.
package pixel

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
	"github.com/signintech/gopdf"
)

const (
	// renderDPI is the rasterization density.
	renderDPI = 200.0

	// Output pages are US letter in points.
	pageWidth  = 612.0
	pageHeight = 792.0

	// margin frames each rendered page image.
	margin = 40.0
)

// computePlacement fits an image of the given pixel dimensions inside
// the letter page margins, preserving aspect ratio, centered. Width is
// fitted first; if the scaled height overflows, height governs instead.
func computePlacement(imgWidth, imgHeight int) (x, y, w, h float64) {
	availW := pageWidth - 2*margin
	availH := pageHeight - 2*margin

	scale := availW / float64(imgWidth)
	w = availW
	h = float64(imgHeight) * scale

	if h > availH {
		scale = availH / float64(imgHeight)
		h = availH
		w = float64(imgWidth) * scale
	}

	x = (pageWidth - w) / 2
	y = (pageHeight - h) / 2
	return x, y, w, h
}

// Rebuild renders every page of the PDF at inPath and writes a fresh
// PDF to outPath containing only those page images. A document that
// renders to zero pages still yields one blank page so the output is
// always a viewable PDF.
func Rebuild(inPath, outPath string) error {
	doc, err := fitz.New(inPath)
	if err != nil {
		return fmt.Errorf("pixel: open: %w", err)
	}
	defer func() { _ = doc.Close() }()

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeLetter})

	pages := doc.NumPage()
	if pages == 0 {
		pdf.AddPage()
		if err := pdf.WritePdf(outPath); err != nil {
			return fmt.Errorf("pixel: write: %w", err)
		}
		return nil
	}

	for n := 0; n < pages; n++ {
		img, err := doc.ImageDPI(n, renderDPI)
		if err != nil {
			return fmt.Errorf("pixel: render page %d: %w", n+1, err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return fmt.Errorf("pixel: encode page %d: %w", n+1, err)
		}
		holder, err := gopdf.ImageHolderByBytes(buf.Bytes())
		if err != nil {
			return fmt.Errorf("pixel: hold page %d: %w", n+1, err)
		}

		bounds := img.Bounds()
		x, y, w, h := computePlacement(bounds.Dx(), bounds.Dy())

		pdf.AddPage()
		if err := pdf.ImageByHolder(holder, x, y, &gopdf.Rect{W: w, H: h}); err != nil {
			return fmt.Errorf("pixel: place page %d: %w", n+1, err)
		}
	}

	if err := pdf.WritePdf(outPath); err != nil {
		return fmt.Errorf("pixel: write: %w", err)
	}
	return nil
}
