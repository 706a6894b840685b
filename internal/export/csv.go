// Package export serializes processed batches: a fixed-column CSV table and
// a structured report document handed to a PDF renderer.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/neuroqc-norm-server/internal/domain"
)

// CSVOptions selects which column blocks an export carries. The identity
// columns (subject, session, scan type, age, age group) are always present.
type CSVOptions struct {
	IncludeRaw        bool `json:"include_raw"`
	IncludeNormalized bool `json:"include_normalized"`
	IncludeAssessment bool `json:"include_assessment"`
}

// FullCSV selects every column block.
func FullCSV() CSVOptions {
	return CSVOptions{IncludeRaw: true, IncludeNormalized: true, IncludeAssessment: true}
}

// WriteCSV writes subjects as CSV in batch order: header first, one row per
// subject. Missing values serialize as empty cells; list cells join with
// "; ". Newlines are \n and quoting follows RFC 4180 (encoding/csv).
func WriteCSV(w io.Writer, subjects []*domain.ProcessedSubject, opts CSVOptions) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader(opts)); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, s := range subjects {
		if s == nil {
			continue
		}
		if err := cw.Write(csvRow(s, opts)); err != nil {
			return fmt.Errorf("writing csv row %d: %w", s.RowIndex, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVBytes renders subjects to an in-memory CSV document.
func CSVBytes(subjects []*domain.ProcessedSubject, opts CSVOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, subjects, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func csvHeader(opts CSVOptions) []string {
	cols := []string{"subject_id", "session", "scan_type", "age", "age_group"}
	if opts.IncludeRaw {
		for _, d := range domain.Vocabulary() {
			cols = append(cols, d.Name)
		}
	}
	if opts.IncludeNormalized {
		for _, d := range domain.Vocabulary() {
			cols = append(cols, "percentile_"+d.Name)
		}
		for _, d := range domain.Vocabulary() {
			cols = append(cols, "z_"+d.Name)
		}
	}
	if opts.IncludeAssessment {
		cols = append(cols, "overall", "composite", "confidence", "flags", "recommendations")
	}
	return cols
}

func csvRow(s *domain.ProcessedSubject, opts CSVOptions) []string {
	row := []string{
		s.Subject.SubjectID,
		s.Subject.Session,
		s.Subject.ScanType.String(),
		formatOptional(s.Subject.Age),
		normalizedGroup(s),
	}
	if opts.IncludeRaw {
		for _, d := range domain.Vocabulary() {
			if s.RawMetrics == nil {
				row = append(row, "")
				continue
			}
			row = append(row, formatOptional(d.Value(s.RawMetrics)))
		}
	}
	if opts.IncludeNormalized {
		for _, d := range domain.Vocabulary() {
			row = append(row, normalizedCell(s, d.Name, func(e domain.NormalizedEntry) float64 { return e.Percentile }))
		}
		for _, d := range domain.Vocabulary() {
			row = append(row, normalizedCell(s, d.Name, func(e domain.NormalizedEntry) float64 { return e.ZScore }))
		}
	}
	if opts.IncludeAssessment {
		if s.Assessment == nil {
			row = append(row, "", "", "", "", "")
		} else {
			row = append(row,
				s.Assessment.Overall.String(),
				formatFloat(s.Assessment.Composite),
				formatFloat(s.Assessment.Confidence),
				strings.Join(s.Assessment.Flags, "; "),
				strings.Join(s.Assessment.Recommendations, "; "),
			)
		}
	}
	return row
}

func normalizedGroup(s *domain.ProcessedSubject) string {
	if s.Normalized == nil {
		return ""
	}
	return s.Normalized.AgeGroup
}

func normalizedCell(s *domain.ProcessedSubject, metric string, pick func(domain.NormalizedEntry) float64) string {
	if s.Normalized == nil {
		return ""
	}
	e, ok := s.Normalized.Entry(metric)
	if !ok {
		return ""
	}
	return formatFloat(pick(e))
}

// formatFloat renders the shortest decimal form that round-trips, never
// exponent notation.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
