package domain

import (
	"time"
)

// ReportDocument is the structured document handed to a Renderer. Section
// ordering is deterministic: distributions by age group (ascending minimum
// age), histograms in vocabulary order, subject rows in batch order.
type ReportDocument struct {
	Title         string                `json:"title"`
	Study         string                `json:"study,omitempty"`
	Dataset       string                `json:"dataset,omitempty"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Summary       SummarySection        `json:"summary"`
	Distributions []DistributionSection `json:"distributions,omitempty"`
	Histograms    []HistogramSection    `json:"histograms,omitempty"`
	Subjects      SubjectTable          `json:"subjects"`
}

// VerdictTally counts overall verdicts across a set of subjects.
type VerdictTally struct {
	Pass      int `json:"pass"`
	Warning   int `json:"warning"`
	Fail      int `json:"fail"`
	Uncertain int `json:"uncertain"`
}

// Add increments the tally for one verdict.
func (t *VerdictTally) Add(v Verdict) {
	switch v {
	case VerdictPass:
		t.Pass++
	case VerdictWarning:
		t.Warning++
	case VerdictFail:
		t.Fail++
	case VerdictUncertain:
		t.Uncertain++
	}
}

// Total returns the number of tallied verdicts.
func (t *VerdictTally) Total() int {
	return t.Pass + t.Warning + t.Fail + t.Uncertain
}

// SummarySection is the study-level summary table of a report.
type SummarySection struct {
	TotalSubjects  int          `json:"total_subjects"`
	Verdicts       VerdictTally `json:"verdicts"`
	MeanComposite  float64      `json:"mean_composite"`
	MeanConfidence float64      `json:"mean_confidence"`
}

// DistributionSection shows the verdict distribution within one age group.
type DistributionSection struct {
	AgeGroup string            `json:"age_group"`
	Bars     []DistributionBar `json:"bars"`
}

// DistributionBar is one bar in a distribution section.
type DistributionBar struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// HistogramSection shows the raw value histogram of one metric.
type HistogramSection struct {
	Metric  string            `json:"metric"`
	Buckets []HistogramBucket `json:"buckets"`
}

// HistogramBucket is one bin of a metric histogram. The last bucket's upper
// bound is inclusive.
type HistogramBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// SubjectTable is the per-subject rows section of a report.
type SubjectTable struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}
