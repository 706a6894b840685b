package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/neuroqc-norm-server/internal/domain"
)

const (
	minSubjectAge = 0.1
	maxSubjectAge = 110.0

	// fwhmTolerance bounds |mean(fwhm_x,y,z) - fwhm_avg| when all four are
	// reported.
	fwhmTolerance = 0.5
)

var acquisitionDateLayouts = []string{time.RFC3339, "2006-01-02"}

// ToSubject converts one data row into a subject and its metrics. The first
// problem found stops the row; the caller records the returned
// ProcessingError and moves on. Validation order: field count, subject
// identity, subject attributes, metric cells in file order, cross-field
// consistency.
func ToSubject(header *Header, row Row) (domain.SubjectInfo, *domain.Metrics, error) {
	var subject domain.SubjectInfo

	if len(row.Fields) != len(header.Columns) {
		return subject, nil, domain.NewRowError(row.Index, "",
			fmt.Sprintf("expected %d fields, got %d", len(header.Columns), len(row.Fields)))
	}

	id := cell(header, row, "subject_id")
	session := cell(header, row, "session")
	if id == "" {
		bidsID, bidsSession := ExtractBIDS(cell(header, row, "bids_name"))
		id = bidsID
		if session == "" {
			session = bidsSession
		}
	}
	if id == "" {
		return subject, nil, domain.NewRowError(row.Index, "subject_id",
			"row has neither a subject_id nor a parsable bids_name")
	}
	if err := CheckSubjectID(id); err != nil {
		return subject, nil, domain.NewRowError(row.Index, "subject_id", err.Error())
	}
	subject.SubjectID = id
	subject.Session = session

	if v := cell(header, row, "age"); v != "" {
		age, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return subject, nil, domain.NewRowError(row.Index, "age", "not a number")
		}
		if age < minSubjectAge || age > maxSubjectAge {
			return subject, nil, domain.NewRowError(row.Index, "age",
				fmt.Sprintf("age %g outside accepted range [%g, %g]", age, minSubjectAge, maxSubjectAge))
		}
		subject.Age = &age
	}

	if v := cell(header, row, "sex"); v != "" {
		sex := domain.Sex(v)
		if !sex.IsValid() {
			return subject, nil, domain.NewRowError(row.Index, "sex",
				fmt.Sprintf("unrecognized sex code %q", v))
		}
		subject.Sex = sex
	}

	subject.ScanType = domain.ScanT1w
	if v := cell(header, row, "scan_type"); v != "" {
		st := domain.ScanType(v)
		if !st.IsValid() {
			return subject, nil, domain.NewRowError(row.Index, "scan_type",
				fmt.Sprintf("unrecognized scan type %q", v))
		}
		subject.ScanType = st
	}

	if v := cell(header, row, "acquisition_date"); v != "" {
		ts, err := parseAcquisitionDate(v)
		if err != nil {
			return subject, nil, domain.NewRowError(row.Index, "acquisition_date",
				"not an ISO-8601 timestamp or date")
		}
		subject.AcquisitionDate = &ts
	}

	subject.Site = cell(header, row, "site")
	subject.Scanner = cell(header, row, "scanner")

	metrics := &domain.Metrics{}
	for _, d := range header.Metrics() {
		pos, _ := header.Index(d.Name)
		v := strings.TrimSpace(row.Fields[pos])
		if v == "" {
			continue
		}
		val, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return subject, nil, domain.NewRowError(row.Index, d.Name, "not a number")
		}
		if d.Integral && math.Trunc(val) != val {
			return subject, nil, domain.NewRowError(row.Index, d.Name,
				fmt.Sprintf("value %s must be an integer", v))
		}
		if !d.InRange(val) {
			return subject, nil, domain.NewRowError(row.Index, d.Name,
				fmt.Sprintf("value %g outside sanity range [%g, %g]", val, d.Min, d.Max))
		}
		d.SetValue(metrics, val)
	}

	if err := checkCrossField(row.Index, metrics); err != nil {
		return subject, nil, err
	}

	return subject, metrics, nil
}

// checkCrossField enforces consistency between related metrics: the reported
// average smoothness must agree with the axis values, and a zero high-motion
// frame count cannot coexist with a nonzero high-motion percentage.
func checkCrossField(rowIndex int, m *domain.Metrics) error {
	if m.FWHMX != nil && m.FWHMY != nil && m.FWHMZ != nil && m.FWHMAvg != nil {
		mean := (*m.FWHMX + *m.FWHMY + *m.FWHMZ) / 3
		if math.Abs(mean-*m.FWHMAvg) > fwhmTolerance {
			return domain.NewRowError(rowIndex, "fwhm_avg",
				fmt.Sprintf("fwhm_avg %g disagrees with axis mean %g by more than %g",
					*m.FWHMAvg, mean, fwhmTolerance))
		}
	}
	if m.FDNum != nil && *m.FDNum == 0 && m.FDPerc != nil && *m.FDPerc != 0 {
		return domain.NewRowError(rowIndex, "fd_perc",
			"fd_perc must be 0 when fd_num is 0")
	}
	return nil
}

func cell(header *Header, row Row, name string) string {
	pos, ok := header.Index(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(row.Fields[pos])
}

func parseAcquisitionDate(v string) (time.Time, error) {
	var lastErr error
	for _, layout := range acquisitionDateLayouts {
		ts, err := time.Parse(layout, v)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
