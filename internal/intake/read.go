package intake

// read.go turns an uploaded file into raw rows.
//
// CSV files are decoded to UTF-8 before parsing: a UTF-8 or UTF-16 byte order
// mark is honoured and stripped, content that is not valid UTF-8 is read as
// Windows-1252 (the usual export encoding of spreadsheet tools), and any
// remaining ill-formed sequences become U+FFFD. The delimiter is sniffed from
// the first non-empty lines. XLSX files are read from their first sheet.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// ErrUnsupportedFormat is returned for file extensions other than csv, txt
// and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Format is the container format of an upload.
type Format int

const (
	FormatCSV Format = iota + 1
	FormatXLSX
)

// DetectFormat picks the format from the file name's extension.
func DetectFormat(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(fileName))
	}
}

// ReadRows reads every row of an uploaded file.
func ReadRows(fileName string, data []byte) ([][]string, error) {
	format, err := DetectFormat(fileName)
	if err != nil {
		return nil, err
	}
	if format == FormatXLSX {
		return readXLSX(data)
	}
	return readCSV(data)
}

// decodeText returns a reader yielding data as UTF-8.
func decodeText(data []byte) io.Reader {
	hasBOM := bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xFE}) ||
		bytes.HasPrefix(data, []byte{0xFE, 0xFF})

	var dec transform.Transformer
	switch {
	case hasBOM:
		dec = unicode.BOMOverride(unicode.UTF8.NewDecoder())
	case utf8.Valid(data):
		return bytes.NewReader(data)
	default:
		dec = charmap.Windows1252.NewDecoder()
	}
	return transform.NewReader(bytes.NewReader(data), transform.Chain(dec, runes.ReplaceIllFormed()))
}

// readCSV returns one row per file line: rows[i] is line i+1, with blank
// lines kept as empty rows so line numbers survive into alerts.
func readCSV(data []byte) ([][]string, error) {
	text, err := io.ReadAll(decodeText(data))
	if err != nil {
		return nil, fmt.Errorf("decode file: %w", err)
	}

	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := r.FieldPos(0)
		for len(rows) < line-1 {
			rows = append(rows, nil)
		}
		rows = append(rows, rec)
	}
}

// sniffLines is how many non-empty lines sniffDelimiter looks at.
const sniffLines = 10

// sniffDelimiter picks the most frequent of ; , tab and | over the first
// non-empty lines, defaulting to comma.
func sniffDelimiter(text []byte) rune {
	var sample [][]byte
	for _, line := range bytes.Split(text, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		sample = append(sample, line)
		if len(sample) == sniffLines {
			break
		}
	}

	best, bestCount := ',', 0
	for _, d := range []rune{';', ',', '\t', '|'} {
		n := 0
		for _, line := range sample {
			n += bytes.Count(line, []byte(string(d)))
		}
		if n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}
