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

// Package validate is the last gate before an artifact leaves the
// worker: the output must be a structurally sound PDF that carries none
// of the active-content vectors the pipeline exists to remove.
package validate

import (
	"errors"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrEmptyOutput is returned when the artifact is missing or zero bytes.
var ErrEmptyOutput = errors.New("validate: output is empty")

// Output checks the sanitized artifact at path. An error here fails the
// job; a produced artifact that cannot be vouched for is never shipped.
func Output(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("validate: stat: %w", err)
	}
	if info.Size() == 0 {
		return ErrEmptyOutput
	}

	ctx, err := api.ReadContextFile(path)
	if err != nil {
		return fmt.Errorf("validate: parse: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return fmt.Errorf("validate: structure: %w", err)
	}
	if ctx.PageCount == 0 {
		return fmt.Errorf("validate: no pages")
	}

	rootDict, err := ctx.Catalog()
	if err != nil {
		return fmt.Errorf("validate: catalog: %w", err)
	}
	for _, key := range []string{"OpenAction", "AA"} {
		if _, found := rootDict.Find(key); found {
			return fmt.Errorf("validate: catalog carries %s", key)
		}
	}
	if obj, found := rootDict.Find("Names"); found {
		names, err := ctx.DereferenceDict(obj)
		if err != nil {
			return fmt.Errorf("validate: names dict: %w", err)
		}
		for _, key := range []string{"JavaScript", "EmbeddedFiles"} {
			if _, found := names.Find(key); found {
				return fmt.Errorf("validate: name tree carries %s", key)
			}
		}
	}
	return nil
}
