package ingest

import (
	"context"

	"github.com/vendalabs/leadpipe/internal/fetcher"
)

// ImportXLSX imports one sheet of a workbook, the first one when sheet
// is empty. Header mapping and per-row handling match ImportCSV.
func (im *Importer) ImportXLSX(ctx context.Context, path, sheet string) (*Summary, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: sheet})
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	if len(rows) == 0 {
		return sum, nil
	}

	mapping := MapHeaders(rows[0])
	for i, row := range rows[1:] {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := im.importRow(ctx, sum, i+2, leadFromRow(mapping, row)); err != nil {
			return sum, err
		}
	}
	return sum, nil
}
