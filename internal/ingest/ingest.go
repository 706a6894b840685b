// Package ingest parses tabular QC reports: size-capped reading, header and
// schema validation, and per-row conversion into domain subjects and metrics
// with a PII guard on subject identifiers.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
)

// DefaultMaxInputBytes caps uploads when no explicit limit is configured.
const DefaultMaxInputBytes = 50 << 20

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// optionalColumns are the recognized non-metric columns besides the subject
// identifier pair.
var optionalColumns = map[string]bool{
	"age":              true,
	"sex":              true,
	"session":          true,
	"scan_type":        true,
	"acquisition_date": true,
	"site":             true,
	"scanner":          true,
}

// Header is the validated first record of an input file. It maps column
// names to positions and lists the recognized metric columns in file order.
type Header struct {
	Columns []string

	pos     map[string]int
	metrics []*domain.MetricDescriptor
}

// NewHeader indexes a header row. Callers validate the columns with
// ValidateSchema first; NewHeader keeps the last position for a duplicated
// name.
func NewHeader(columns []string) *Header {
	h := &Header{
		Columns: columns,
		pos:     make(map[string]int, len(columns)),
	}
	for i, name := range columns {
		h.pos[name] = i
		if d, ok := domain.MetricByName(name); ok {
			h.metrics = append(h.metrics, d)
		}
	}
	return h
}

// Index returns the position of a column, if present.
func (h *Header) Index(name string) (int, bool) {
	i, ok := h.pos[name]
	return i, ok
}

// Has reports whether the column exists.
func (h *Header) Has(name string) bool {
	_, ok := h.pos[name]
	return ok
}

// Metrics returns the recognized metric columns in file order.
func (h *Header) Metrics() []*domain.MetricDescriptor {
	return h.metrics
}

// Row is one data record with its zero-based index in the file body.
type Row struct {
	Index  int
	Fields []string
}

// Table is a parsed input file. RowErrors holds records the CSV layer could
// not decode; they count as failed rows downstream.
type Table struct {
	Header    *Header
	Rows      []Row
	RowErrors []*domain.ProcessingError
}

// Parser reads tabular QC input. The size ceiling is enforced on the raw
// stream before any parsing happens.
type Parser struct {
	maxBytes int64
	logger   *logrus.Logger
}

// NewParser creates a parser with the given input size ceiling in bytes.
// Non-positive values fall back to DefaultMaxInputBytes.
func NewParser(maxBytes int64, logger *logrus.Logger) *Parser {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxInputBytes
	}
	return &Parser{maxBytes: maxBytes, logger: logger}
}

// Parse reads the stream, validates encoding and schema, and splits the
// header from the data rows. Schema problems are fatal for the whole input;
// malformed data records are collected per row and parsing continues.
func (p *Parser) Parse(r io.Reader) (*Table, error) {
	data, err := readCapped(r, p.maxBytes)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, domain.NewSchemaError("input is not valid UTF-8")
	}

	cr := csv.NewReader(bytes.NewReader(data))
	// Field-count mismatches surface as per-row errors in ToSubject, not as
	// fatal csv errors.
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	columns, err := cr.Read()
	if err == io.EOF {
		return nil, domain.NewSchemaError("input is empty")
	}
	if err != nil {
		return nil, domain.NewSchemaError(fmt.Sprintf("unreadable header: %v", err))
	}
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}
	if errs := ValidateSchema(columns); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	table := &Table{Header: NewHeader(columns)}
	for i := 0; ; i++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			table.RowErrors = append(table.RowErrors,
				domain.NewRowError(i, "", fmt.Sprintf("malformed record: %v", err)))
			continue
		}
		table.Rows = append(table.Rows, Row{Index: i, Fields: fields})
	}

	p.logger.WithFields(logrus.Fields{
		"columns":    len(columns),
		"metrics":    len(table.Header.metrics),
		"rows":       len(table.Rows),
		"row_errors": len(table.RowErrors),
	}).Debug("Parsed tabular input")

	return table, nil
}

// ValidateSchema checks a header row and returns every problem found. The
// input is acceptable when it names at least one of bids_name or subject_id;
// unrecognized columns are ignored.
func ValidateSchema(columns []string) []error {
	var errs []error
	if len(columns) == 0 {
		return []error{domain.NewSchemaError("header has no columns")}
	}

	seen := make(map[string]int, len(columns))
	for i, name := range columns {
		if name == "" {
			errs = append(errs, domain.NewSchemaError(fmt.Sprintf("column %d has an empty name", i+1)))
			continue
		}
		if first, dup := seen[name]; dup {
			errs = append(errs, domain.NewSchemaError(
				fmt.Sprintf("duplicate column %q (positions %d and %d)", name, first+1, i+1)))
			continue
		}
		seen[name] = i
	}

	if _, hasSubject := seen["subject_id"]; !hasSubject {
		if _, hasBIDS := seen["bids_name"]; !hasBIDS {
			errs = append(errs, domain.NewSchemaError("header must contain subject_id or bids_name"))
		}
	}
	return errs
}

func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, domain.ErrInputTooLarge
	}
	return data, nil
}
