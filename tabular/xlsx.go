package tabular

import (
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// XLSX reads the first worksheet of a workbook.
//
// Cells are read unformatted. Numeric cells, dates included, come back as
// float64 so a date stays its serial number instead of whatever display
// format the sheet applied. Text cells stay strings even when they look
// numeric.
type XLSX struct {
	file    *excelize.File
	headers []string
	rows    [][]any
	next    int
}

// NewXLSX opens a workbook from r and loads its first sheet.
func NewXLSX(r io.Reader) (*XLSX, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheet := f.GetSheetName(0)
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(raw) == 0 {
		f.Close()
		return nil, fmt.Errorf("sheet %q has no header row", sheet)
	}

	rows := make([][]any, 0, len(raw)-1)
	for i, cells := range raw[1:] {
		row := make([]any, len(cells))
		for j, s := range cells {
			// Row 1 is the header, so data row i lives on sheet row i+2.
			row[j] = cellValue(f, sheet, j+1, i+2, s)
		}
		rows = append(rows, row)
	}

	return &XLSX{file: f, headers: uniqueHeaders(raw[0]), rows: rows}, nil
}

// cellValue turns numeric cells into float64 and leaves everything else as
// its raw string.
func cellValue(f *excelize.File, sheet string, col, row int, raw string) any {
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	axis, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return raw
	}
	typ, err := f.GetCellType(sheet, axis)
	if err != nil {
		return raw
	}
	switch typ {
	case excelize.CellTypeUnset, excelize.CellTypeNumber:
		return n
	}
	return raw
}

func (x *XLSX) Columns() []string {
	return append([]string(nil), x.headers...)
}

func (x *XLSX) Next() (Row, error) {
	if x.next >= len(x.rows) {
		return nil, io.EOF
	}
	cells := x.rows[x.next]
	x.next++
	return rowFromValues(x.headers, cells), nil
}

func (x *XLSX) Close() error {
	return x.file.Close()
}
