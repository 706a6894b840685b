package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/normative"
)

func groupedSubject(id, group string, verdict domain.Verdict, snr float64) *domain.ProcessedSubject {
	return &domain.ProcessedSubject{
		Subject:    domain.SubjectInfo{SubjectID: id, ScanType: domain.ScanT1w, Age: domain.Float64(25)},
		RawMetrics: &domain.Metrics{SNR: domain.Float64(snr)},
		Normalized: &domain.NormalizedMetrics{Dataset: "builtin-v1", AgeGroup: group},
		Assessment: &domain.QualityAssessment{Overall: verdict, Composite: 100, Confidence: 1},
	}
}

func TestBuildReportSummary(t *testing.T) {
	subjects := []*domain.ProcessedSubject{
		{
			Subject:    domain.SubjectInfo{SubjectID: "sub-001", ScanType: domain.ScanT1w},
			RawMetrics: &domain.Metrics{},
			Assessment: &domain.QualityAssessment{Overall: domain.VerdictPass, Composite: 100, Confidence: 0.9},
		},
		{
			Subject:    domain.SubjectInfo{SubjectID: "sub-002", ScanType: domain.ScanT1w},
			RawMetrics: &domain.Metrics{},
			Assessment: &domain.QualityAssessment{Overall: domain.VerdictWarning, Composite: 60, Confidence: 0.7},
		},
		{
			// Not assessed: counted as a subject, absent from verdict means.
			Subject:    domain.SubjectInfo{SubjectID: "sub-003", ScanType: domain.ScanT1w},
			RawMetrics: &domain.Metrics{},
		},
	}

	doc := BuildReport(subjects, ReportOptions{Title: "Site A"})

	assert.Equal(t, "Site A", doc.Title)
	assert.Equal(t, 3, doc.Summary.TotalSubjects)
	assert.Equal(t, 1, doc.Summary.Verdicts.Pass)
	assert.Equal(t, 1, doc.Summary.Verdicts.Warning)
	assert.Equal(t, 2, doc.Summary.Verdicts.Total())
	assert.InDelta(t, 80, doc.Summary.MeanComposite, 1e-12)
	assert.InDelta(t, 0.8, doc.Summary.MeanConfidence, 1e-12)
}

func TestBuildReportDistributionOrder(t *testing.T) {
	subjects := []*domain.ProcessedSubject{
		groupedSubject("sub-001", "young_adult", domain.VerdictPass, 12),
		groupedSubject("sub-002", "young_adult", domain.VerdictFail, 6),
		groupedSubject("sub-003", "pediatric", domain.VerdictWarning, 9),
		groupedSubject("sub-004", "site_pilot", domain.VerdictPass, 13),
	}

	doc := BuildReport(subjects, ReportOptions{AgeGroups: normative.DefaultAgeGroups()})

	require.Len(t, doc.Distributions, 3)
	assert.Equal(t, "pediatric", doc.Distributions[0].AgeGroup, "known groups order by the given table")
	assert.Equal(t, "young_adult", doc.Distributions[1].AgeGroup)
	assert.Equal(t, "site_pilot", doc.Distributions[2].AgeGroup, "unknown groups sort last")

	bars := doc.Distributions[1].Bars
	require.Len(t, bars, 4)
	assert.Equal(t, "pass", bars[0].Label)
	assert.Equal(t, 1, bars[0].Count)
	assert.Equal(t, 1, bars[2].Count, "fail bar")
	assert.Equal(t, 0, bars[3].Count, "uncertain bar present at zero")
}

func TestBuildReportHistograms(t *testing.T) {
	var subjects []*domain.ProcessedSubject
	for i := 1; i <= 10; i++ {
		s := groupedSubject("sub", "young_adult", domain.VerdictPass, float64(i))
		s.RawMetrics.CNR = domain.Float64(3.8)
		subjects = append(subjects, s)
	}

	doc := BuildReport(subjects, ReportOptions{})

	require.Len(t, doc.Histograms, 2, "only metrics with values get a histogram")
	snr := doc.Histograms[0]
	require.Equal(t, "snr", snr.Metric)
	require.Len(t, snr.Buckets, defaultHistogramBuckets)
	for i, b := range snr.Buckets {
		assert.Equal(t, 1, b.Count, "bucket %d", i)
	}
	assert.InDelta(t, 1, snr.Buckets[0].Lower, 1e-12)
	assert.InDelta(t, 10, snr.Buckets[len(snr.Buckets)-1].Upper, 1e-12, "last bucket closes on the maximum")

	cnr := doc.Histograms[1]
	require.Equal(t, "cnr", cnr.Metric)
	require.Len(t, cnr.Buckets, 1, "constant series collapses to one bucket")
	assert.Equal(t, 10, cnr.Buckets[0].Count)
	assert.Equal(t, cnr.Buckets[0].Lower, cnr.Buckets[0].Upper)
}

func TestBuildReportSubjectTable(t *testing.T) {
	subjects := []*domain.ProcessedSubject{
		groupedSubject("sub-001", "young_adult", domain.VerdictPass, 12),
		groupedSubject("sub-002", "young_adult", domain.VerdictPass, 13),
	}

	doc := BuildReport(subjects, ReportOptions{Columns: CSVOptions{IncludeRaw: true}})

	assert.Equal(t, csvHeader(CSVOptions{IncludeRaw: true}), doc.Subjects.Columns)
	require.Len(t, doc.Subjects.Rows, 2)
	assert.Equal(t, "sub-001", doc.Subjects.Rows[0][0])

	// The zero options value selects every block.
	full := BuildReport(subjects, ReportOptions{})
	assert.Equal(t, csvHeader(FullCSV()), full.Subjects.Columns)
}

func TestBuildReportDeterministic(t *testing.T) {
	subjects := []*domain.ProcessedSubject{
		groupedSubject("sub-001", "young_adult", domain.VerdictPass, 12),
		groupedSubject("sub-002", "pediatric", domain.VerdictWarning, 9),
	}
	opts := ReportOptions{
		Title:       "weekly",
		Study:       "dev",
		AgeGroups:   normative.DefaultAgeGroups(),
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	first := BuildReport(subjects, opts)
	second := BuildReport(subjects, opts)
	assert.Equal(t, first, second)
}
