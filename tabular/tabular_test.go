package tabular_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/casework/client-dedup/normalize"
	"github.com/casework/client-dedup/tabular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestCSV_StripsBOMAndSkipsEmptyRows(t *testing.T) {
	// GIVEN: A CSV export with a byte-order mark and a blank line
	data := "\xEF\xBB\xBFFirst Name,Last Name\nMaria,Garcia\n,\nJohn,Smith\n"

	// WHEN: Reading it
	src, err := tabular.Open("clients.csv", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"First Name", "Last Name"}, src.Columns())
	rows, err := tabular.ReadAll(src)

	// THEN: The BOM is gone and the blank row is dropped
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Maria", rows[0].Value("First Name"))
	assert.Equal(t, "Smith", rows[1].Value("Last Name"))
}

func TestCSV_Windows1252Fallback(t *testing.T) {
	// "José" with é encoded as a single 0xE9 byte
	data := []byte("First Name\nJos\xe9\n")

	src, err := tabular.NewCSV(bytes.NewReader(data))
	require.NoError(t, err)
	rows, err := tabular.ReadAll(src)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, "José", rows[0].Value("First Name"))
}

func TestCSV_RaggedRowsAndRepeatedHeaders(t *testing.T) {
	src, err := tabular.NewCSV(strings.NewReader("Name,Name,\nA,B,C,D\nE\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "Name (2)", "column_3"}, src.Columns())

	rows, err := tabular.ReadAll(src)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "C", rows[0].Value("column_3"))
	assert.Nil(t, rows[1].Value("Name (2)"))
}

func TestXLSX_FirstSheet(t *testing.T) {
	// GIVEN: A workbook built in memory
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Client ID", "First Name"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"1001", "Maria"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// WHEN: Opening it by extension
	src, err := tabular.Open("clients.xlsx", buf)
	require.NoError(t, err)
	rows, err := tabular.ReadAll(src)

	// THEN: Rows come back keyed by header
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1001", rows[0].Value("Client ID"))
	assert.Equal(t, "Maria", rows[0].Value("First Name"))
}

func TestXLSX_DateCellsKeepStoredValue(t *testing.T) {
	// GIVEN: A DOB cell displayed as dd/mm/yyyy, a numeric ID and a text ID
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Client ID", "Legacy ID", "DOB"}))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", 2765))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "00042"))
	require.NoError(t, f.SetCellValue("Sheet1", "C2", time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC)))
	layout := "dd/mm/yyyy"
	style, err := f.NewStyle(&excelize.Style{CustomNumFmt: &layout})
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle("Sheet1", "C2", "C2", style))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// WHEN: Reading the row back
	src, err := tabular.Open("clients.xlsx", buf)
	require.NoError(t, err)
	rows, err := tabular.ReadAll(src)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// THEN: The date is its serial number, not the day-first display text
	dob := rows[0].Value("DOB")
	assert.IsType(t, float64(0), dob)
	parsed := normalize.ParseDate(dob)
	require.NotNil(t, parsed)
	assert.Equal(t, "2023-03-05", parsed.String())

	// AND: Numeric cells are numbers, text cells keep their leading zeros
	assert.Equal(t, 2765.0, rows[0].Value("Client ID"))
	assert.Equal(t, "2765", *normalize.ClientID(rows[0].Value("Client ID")))
	assert.Equal(t, "00042", rows[0].Value("Legacy ID"))
}

func TestOpen_UnsupportedExtension(t *testing.T) {
	_, err := tabular.Open("clients.pdf", strings.NewReader(""))
	assert.ErrorIs(t, err, tabular.ErrUnsupportedFormat)
}
