// Package records reads the input listing tables and writes the processed
// and failed tables as flat CSV files.
package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

var (
	sourceColumns    = []string{"Photo", "Prix", "Titre"}
	processedColumns = []string{"Photo", "Prix", "Titre", "local_path", "value_type"}
	failedColumns    = []string{"url", "type", "index"}
)

// table is a parsed CSV file whose rows are addressed by column name.
type table struct {
	path   string
	header []string
	cols   map[string]int
	rows   [][]string
	offset int // line number of the first data row
}

func (t *table) get(row []string, col string) string {
	return row[t.cols[col]]
}

// extra returns the values of the columns not in known, in header order.
func (t *table) extra(row []string, known []string) []domain.Field {
	var fields []domain.Field
	for i, name := range t.header {
		if !slices.Contains(known, name) {
			fields = append(fields, domain.Field{Name: name, Value: row[i]})
		}
	}
	return fields
}

func readTable(path string, required []string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrMissingTable, path)
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: %s: empty file", domain.ErrSchema, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSchema, path, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		header[i] = strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")
		cols[header[i]] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s: missing column %q", domain.ErrSchema, path, name)
		}
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSchema, path, err)
	}
	return &table{path: path, header: header, cols: cols, rows: rows, offset: 2}, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

// ReadSource loads an input listing table. Row i of the result is the row
// addressed by index i.
func ReadSource(path string) ([]domain.SourceRecord, error) {
	t, err := readTable(path, sourceColumns)
	if err != nil {
		return nil, err
	}

	records := make([]domain.SourceRecord, 0, len(t.rows))
	for i, row := range t.rows {
		price, err := parsePrice(t.get(row, "Prix"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: bad price %q", domain.ErrSchema, path, t.offset+i, t.get(row, "Prix"))
		}
		records = append(records, domain.SourceRecord{
			PhotoURL:  strings.TrimSpace(t.get(row, "Photo")),
			Price:     price,
			PriceText: strings.TrimSpace(t.get(row, "Prix")),
			Title:     t.get(row, "Titre"),
			Extra:     t.extra(row, sourceColumns),
		})
	}
	return records, nil
}

// ReadProcessed loads a processed table. A missing file yields no records.
func ReadProcessed(path string) ([]domain.ProcessedRecord, error) {
	t, err := readTable(path, processedColumns)
	if errors.Is(err, domain.ErrMissingTable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []domain.ProcessedRecord
	for i, row := range t.rows {
		price, err := parsePrice(t.get(row, "Prix"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: bad price", domain.ErrSchema, path, t.offset+i)
		}
		class, err := domain.ParseValueClass(t.get(row, "value_type"))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, t.offset+i, err)
		}
		out = append(out, domain.ProcessedRecord{
			SourceRecord: domain.SourceRecord{
				PhotoURL:  t.get(row, "Photo"),
				Price:     price,
				PriceText: strings.TrimSpace(t.get(row, "Prix")),
				Title:     t.get(row, "Titre"),
				Extra:     t.extra(row, processedColumns),
			},
			LocalPath: t.get(row, "local_path"),
			Class:     class,
		})
	}
	return out, nil
}

// ReadFailed loads a failed-downloads table. A missing file yields no records.
func ReadFailed(path string) ([]domain.FailedRecord, error) {
	t, err := readTable(path, failedColumns)
	if errors.Is(err, domain.ErrMissingTable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []domain.FailedRecord
	for i, row := range t.rows {
		class, err := domain.ParseValueClass(t.get(row, "type"))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, t.offset+i, err)
		}
		index, err := strconv.Atoi(strings.TrimSpace(t.get(row, "index")))
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: bad index", domain.ErrSchema, path, t.offset+i)
		}
		out = append(out, domain.FailedRecord{URL: t.get(row, "url"), Class: class, Index: index})
	}
	return out, nil
}

// WriteProcessed writes the processed table, replacing any existing file.
// Prices keep their input text. Extra input columns sit between Titre and
// local_path, in first-seen order; records lacking one leave it empty.
func WriteProcessed(path string, recs []domain.ProcessedRecord) error {
	var extras []string
	for _, r := range recs {
		for _, f := range r.Extra {
			if !slices.Contains(extras, f.Name) {
				extras = append(extras, f.Name)
			}
		}
	}

	header := slices.Concat(sourceColumns, extras, []string{"local_path", "value_type"})
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		row := []string{r.PhotoURL, r.PriceString(), r.Title}
		for _, name := range extras {
			row = append(row, fieldValue(r.Extra, name))
		}
		rows = append(rows, append(row, r.LocalPath, string(r.Class)))
	}
	return writeTable(path, header, rows)
}

func fieldValue(fields []domain.Field, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// WriteFailed writes the failed table. An empty slice writes the header only.
func WriteFailed(path string, recs []domain.FailedRecord) error {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{r.URL, string(r.Class), strconv.Itoa(r.Index)})
	}
	return writeTable(path, failedColumns, rows)
}

// writeTable writes to a temp file and renames it over path.
func writeTable(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Write(header)
	w.WriteAll(rows)
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
