// Package batch drives rows through the processing pipeline with a bounded
// worker pool: per-batch state and progress counters, lifecycle events on the
// bus, cooperative cancellation, and isolation of row failures.
package batch

import (
	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/ingest"
)

// Job is one unit of batch work. Exactly one of Row, Subject, or Failed is
// set: a tabular row still to validate, a pre-validated subject, or a row
// that already failed at parse time and only needs accounting.
type Job struct {
	Index   int
	Row     *ingest.Row
	Subject *domain.SubjectInfo
	Metrics *domain.Metrics
	Failed  *domain.ProcessingError
}

// Source is a batch input: an ordered job list plus the header needed to
// validate tabular jobs. Job indexes are dense (job i has Index i) so the
// orchestrator can assemble results in submission order.
type Source struct {
	Header *ingest.Header
	Jobs   []Job
}

// SubjectRow is one pre-validated input row for SubjectSource.
type SubjectRow struct {
	Subject domain.SubjectInfo
	Metrics *domain.Metrics
}

// TableSource builds a batch input from a parsed file. Rows the CSV layer
// could not decode become pre-failed jobs so their indexes stay accounted
// for in the batch totals.
func TableSource(table *ingest.Table) Source {
	jobs := make([]Job, 0, len(table.Rows)+len(table.RowErrors))
	ri, ei := 0, 0
	for ri < len(table.Rows) || ei < len(table.RowErrors) {
		switch {
		case ei >= len(table.RowErrors) || (ri < len(table.Rows) && table.Rows[ri].Index < table.RowErrors[ei].Row):
			jobs = append(jobs, Job{Index: table.Rows[ri].Index, Row: &table.Rows[ri]})
			ri++
		default:
			jobs = append(jobs, Job{Index: table.RowErrors[ei].Row, Failed: table.RowErrors[ei]})
			ei++
		}
	}
	return Source{Header: table.Header, Jobs: jobs}
}

// SubjectSource builds a batch input from already-validated subjects.
func SubjectSource(rows []SubjectRow) Source {
	jobs := make([]Job, len(rows))
	for i := range rows {
		jobs[i] = Job{Index: i, Subject: &rows[i].Subject, Metrics: rows[i].Metrics}
	}
	return Source{Jobs: jobs}
}

// validate checks the source invariants the orchestrator depends on.
func (s Source) validate() error {
	for i := range s.Jobs {
		job := &s.Jobs[i]
		if job.Index != i {
			return &domain.ValidationError{
				Field:   "jobs",
				Message: "job indexes must be dense and ordered",
				Value:   job.Index,
			}
		}
		set := 0
		if job.Row != nil {
			set++
			if s.Header == nil {
				return &domain.ValidationError{Field: "header", Message: "tabular jobs require a header"}
			}
		}
		if job.Subject != nil {
			set++
		}
		if job.Failed != nil {
			set++
		}
		if set != 1 {
			return &domain.ValidationError{
				Field:   "jobs",
				Message: "each job needs exactly one of row, subject, or failure",
				Value:   job.Index,
			}
		}
	}
	return nil
}
