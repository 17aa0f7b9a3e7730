/*
Package tabular reads upload files as rows of named columns.

PURPOSE:
  The engine only needs three things from a file: its column names,
  per-row access to values by column, and a way to tell an empty row.
  This package hides CSV and XLSX decoding behind that contract.

FORMATS:
  CSV:   UTF-8 with or without a byte-order mark. Files that are not valid
         UTF-8 are decoded as Windows-1252, which is what spreadsheet
         exports on Windows produce.
  XLSX:  First worksheet only. Cells are read without their number format:
         numeric cells (dates included) are float64, text cells are strings.

HEADERS:
  Blank headers become "column_N". Repeated headers get a " (2)", " (3)"
  suffix so no column silently shadows another.

USAGE:
  src, err := tabular.Open(header.Filename, file)
  rows, err := tabular.ReadAll(src)
  for _, row := range rows {
      v := row.Value("First Name")
  }

SEE ALSO:
  - fieldmap: Maps Columns() onto canonical fields
  - normalize: Turns a Row into a core.CanonicalRecord
*/
package tabular

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned by Open for extensions it can't read.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Row is one data row keyed by column name.
type Row map[string]any

// Value returns the raw value of column, or nil when absent.
func (r Row) Value(column string) any {
	return r[column]
}

// IsEmpty reports whether every value in the row is blank.
func (r Row) IsEmpty() bool {
	for _, v := range r {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return false
	}
	return true
}

// Source is an iterable of rows with named columns.
type Source interface {
	Columns() []string

	// Next returns the next row, or io.EOF after the last one.
	Next() (Row, error)

	Close() error
}

// Open picks a reader by file extension.
func Open(name string, r io.Reader) (Source, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return NewCSV(r)
	case ".xlsx", ".xlsm":
		return NewXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// ReadAll drains src, dropping empty rows. src is closed afterwards.
func ReadAll(src Source) ([]Row, error) {
	defer src.Close()

	var rows []Row
	for {
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		if row.IsEmpty() {
			continue
		}
		rows = append(rows, row)
	}
}

// uniqueHeaders fills blank headers and disambiguates repeats.
func uniqueHeaders(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		seen[h]++
		if n := seen[h]; n > 1 {
			h = fmt.Sprintf("%s (%d)", h, n)
		}
		out[i] = h
	}
	return out
}

// rowFromCells pairs cells with headers. Short rows are padded with nil,
// cells beyond the last header are dropped.
func rowFromCells(headers, cells []string) Row {
	values := make([]any, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	return rowFromValues(headers, values)
}

func rowFromValues(headers []string, cells []any) Row {
	row := make(Row, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			row[h] = cells[i]
		} else {
			row[h] = nil
		}
	}
	return row
}
