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

// Package cdr strips active content from PDF documents: javascript,
// embedded files, open actions, and annotations. It is a best-effort
// pre-pass; the pixel reconstruction that follows is the layer that
// actually guarantees a clean output.
package cdr

import (
	"fmt"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// catalogKeys are removed from the document catalog.
var catalogKeys = []string{"OpenAction", "AA", "AcroForm"}

// nameTreeKeys are removed from the catalog's Names dictionary.
var nameTreeKeys = []string{"JavaScript", "EmbeddedFiles"}

// pageKeys are removed from every page dictionary.
var pageKeys = []string{"Annots", "AA", "A"}

// Disarm reads the PDF at inPath, removes active content, replaces the
// document info dictionary, and writes the result to outPath. The input
// file is left untouched. Callers treat a failure here as non-fatal and
// carry the input forward unchanged.
func Disarm(inPath, outPath string) error {
	ctx, err := api.ReadContextFile(inPath)
	if err != nil {
		return fmt.Errorf("cdr: read: %w", err)
	}

	if err := stripCatalog(ctx); err != nil {
		return err
	}
	stripPages(ctx)

	if err := replaceInfo(ctx); err != nil {
		return err
	}

	if err := api.WriteContextFile(ctx, outPath); err != nil {
		return fmt.Errorf("cdr: write: %w", err)
	}
	return nil
}

func stripCatalog(ctx *model.Context) error {
	rootDict, err := ctx.Catalog()
	if err != nil {
		return fmt.Errorf("cdr: catalog: %w", err)
	}

	for _, key := range catalogKeys {
		rootDict.Delete(key)
	}

	if obj, found := rootDict.Find("Names"); found {
		names, err := ctx.DereferenceDict(obj)
		if err != nil {
			return fmt.Errorf("cdr: names dict: %w", err)
		}
		for _, key := range nameTreeKeys {
			names.Delete(key)
		}
	}
	return nil
}

func stripPages(ctx *model.Context) {
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Object == nil {
			continue
		}
		d, ok := entry.Object.(types.Dict)
		if !ok {
			continue
		}
		if typ := d.Type(); typ == nil || *typ != "Page" {
			continue
		}
		for _, key := range pageKeys {
			d.Delete(key)
		}
	}
}

// replaceInfo discards whatever metadata the document carried and
// installs a minimal info dictionary of our own.
func replaceInfo(ctx *model.Context) error {
	now := types.StringLiteral(types.DateString(time.Now()))
	info := types.Dict(map[string]types.Object{
		"Title":        types.StringLiteral("Sanitized Document"),
		"Producer":     types.StringLiteral("CleanSheet"),
		"CreationDate": now,
		"ModDate":      now,
	})
	ref, err := ctx.IndRefForNewObject(info)
	if err != nil {
		return fmt.Errorf("cdr: info dict: %w", err)
	}
	ctx.Info = ref
	return nil
}
