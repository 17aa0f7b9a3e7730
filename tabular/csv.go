package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSV reads a comma-separated file.
type CSV struct {
	reader  *csv.Reader
	headers []string
}

// NewCSV reads the header line of r. The whole input is buffered so the
// encoding can be detected before parsing.
func NewCSV(r io.Reader) (*CSV, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode csv as windows-1252: %w", err)
		}
		data = decoded
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	return &CSV{reader: reader, headers: uniqueHeaders(header)}, nil
}

func (c *CSV) Columns() []string {
	return append([]string(nil), c.headers...)
}

func (c *CSV) Next() (Row, error) {
	cells, err := c.reader.Read()
	if err != nil {
		return nil, err
	}
	return rowFromCells(c.headers, cells), nil
}

func (c *CSV) Close() error { return nil }
