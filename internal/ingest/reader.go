package ingest

// reader.go decodes uploaded tabular files into an ordered row sequence.
// One decoder per format, selected by extension; all decoders produce the
// same [][]string shape, which is then zipped with the header row.

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// Format identifies a supported tabular file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
)

// Row is one data row keyed by header cell. Number is the 1-based row
// number in the original file: the header is row 1, so the first data row
// is row 2.
type Row struct {
	Number int
	Cells  map[string]string
}

// DetectFormat maps a file name to its format. Returns ErrUnsupportedFormat
// for extensions outside the allowed set.
func DetectFormat(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".xls":
		return FormatXLS, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(fileName))
	}
}

// ReadTable decodes raw file bytes into the ordered row sequence. Row 1 of
// the file must be the header. Returns ErrEmptyInput when no data rows
// remain after decoding; rows are never silently dropped (fully empty rows
// excepted).
func ReadTable(data []byte, format Format) ([]Row, error) {
	var (
		records [][]string
		err     error
	)
	switch format {
	case FormatCSV:
		records, err = decodeCSV(data)
	case FormatXLSX, FormatXLS:
		records, err = decodeSheet(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, ErrEmptyInput
	}

	header := records[0]
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = cleanCell(h)
	}

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		if isEmptyRow(rec) {
			continue
		}
		cells := make(map[string]string, len(keys))
		for j, key := range keys {
			if key == "" {
				continue
			}
			if j < len(rec) {
				cells[key] = cleanCell(rec[j])
			} else {
				cells[key] = ""
			}
		}
		rows = append(rows, Row{Number: i + 2, Cells: cells})
	}

	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}
	return rows, nil
}

// decodeCSV parses CSV bytes. Input is BOM-stripped and UTF-8 sanitized
// first; LazyQuotes and variable field counts match what real exports
// produce.
func decodeCSV(data []byte) ([][]string, error) {
	data = skipBOM(data)
	data = sanitizeUTF8(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return records, nil
}

// decodeSheet parses spreadsheet bytes and returns the rows of the first
// sheet.
func decodeSheet(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyInput
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return records, nil
}

// skipBOM removes a UTF-8 byte order mark, common in Windows exports.
func skipBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the replacement
// character so the CSV parser never chokes on mixed-encoding exports.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.Write(data[:size])
			data = data[size:]
		}
	}
	return buf.Bytes()
}

// cleanCell trims whitespace and common spreadsheet artifacts (Excel
// formula prefixes, stray quotes) from a cell value.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	return strings.Trim(s, `"'`)
}

func isEmptyRow(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
