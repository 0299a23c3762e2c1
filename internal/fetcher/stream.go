// Package fetcher streams rows out of pre-staged local CSV and XLSX exports.
package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Options configures row streaming.
type Options struct {
	Delimiter  rune   // CSV only, default ','
	Comment    rune   // CSV only, 0 = none
	LazyQuotes bool   // CSV only
	SheetName  string // XLSX only, default first sheet
	TrimSpace  bool
}

// Row is one record with its 1-based line (CSV) or row (XLSX) number.
type Row struct {
	Line   int
	Fields []string
}

// StreamCSV reads r and sends every record, header included, to the row
// channel. Both channels are closed when processing completes; the caller
// must drain the row channel.
func StreamCSV(ctx context.Context, r io.Reader, opts Options) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			line, _ := reader.FieldPos(0)
			if !send(ctx, rowCh, errCh, Row{Line: line, Fields: clean(record, opts.TrimSpace)}, "csv") {
				return
			}
		}
	}()

	return rowCh, errCh
}

// StreamXLSX reads one sheet of the workbook at path and streams its rows.
func StreamXLSX(ctx context.Context, path string, opts Options) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		f, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrapf(err, "xlsx: open %s", path)
			return
		}
		sheet, err := getSheet(f, opts.SheetName)
		if err != nil {
			errCh <- err
			return
		}

		for i, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = cell.String()
			}
			if !send(ctx, rowCh, errCh, Row{Line: i + 1, Fields: clean(cells, opts.TrimSpace)}, "xlsx") {
				return
			}
		}
	}()

	return rowCh, errCh
}

// Open streams the file at path, choosing the parser from its extension.
// The file is closed once the stream ends.
func Open(ctx context.Context, path string, opts Options) (<-chan Row, <-chan error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return StreamXLSX(ctx, path, opts)
	}

	f, err := os.Open(path)
	if err != nil {
		rowCh := make(chan Row)
		errCh := make(chan error, 1)
		errCh <- eris.Wrapf(err, "csv: open %s", path)
		close(rowCh)
		close(errCh)
		return rowCh, errCh
	}

	rows, errs := StreamCSV(ctx, f, opts)
	rowCh := make(chan Row)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer f.Close() //nolint:errcheck
		defer close(rowCh)
		for r := range rows {
			select {
			case rowCh <- r:
			case <-ctx.Done():
			}
		}
		if err := <-errs; err != nil {
			errCh <- err
		}
	}()
	return rowCh, errCh
}

func send(ctx context.Context, rowCh chan<- Row, errCh chan<- error, row Row, kind string) bool {
	select {
	case rowCh <- row:
		return true
	case <-ctx.Done():
		errCh <- eris.Wrapf(ctx.Err(), "%s: context cancelled", kind)
		return false
	}
}

func clean(fields []string, trim bool) []string {
	if !trim {
		return fields
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}
