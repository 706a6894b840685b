package export

import (
	"sort"
	"time"

	"github.com/neuroqc-norm-server/internal/domain"
)

// defaultHistogramBuckets is the bin count of per-metric histograms.
const defaultHistogramBuckets = 10

// ReportOptions shapes a built report document.
type ReportOptions struct {
	Title   string
	Study   string
	Dataset string

	// AgeGroups orders the distribution sections. Groups seen in the data
	// but absent from the list sort alphabetically after it.
	AgeGroups []domain.AgeGroup

	// HistogramBuckets overrides the histogram bin count when positive.
	HistogramBuckets int

	// Columns selects the subject table blocks; the zero value means all.
	Columns CSVOptions

	// GeneratedAt stamps the document; zero means now. The report cache
	// keys on document content with this field zeroed, so regenerating an
	// identical report still hits the cache.
	GeneratedAt time.Time
}

// BuildReport assembles the structured report document for a set of
// processed subjects. The document is deterministic for identical inputs:
// sections and rows derive only from the subjects and options.
func BuildReport(subjects []*domain.ProcessedSubject, opts ReportOptions) *domain.ReportDocument {
	if opts.Title == "" {
		opts.Title = "QC Assessment Report"
	}
	if opts.HistogramBuckets <= 0 {
		opts.HistogramBuckets = defaultHistogramBuckets
	}
	if opts.Columns == (CSVOptions{}) {
		opts.Columns = FullCSV()
	}
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now().UTC()
	}

	doc := &domain.ReportDocument{
		Title:         opts.Title,
		Study:         opts.Study,
		Dataset:       opts.Dataset,
		GeneratedAt:   opts.GeneratedAt,
		Summary:       buildSummary(subjects),
		Distributions: buildDistributions(subjects, opts.AgeGroups),
		Histograms:    buildHistograms(subjects, opts.HistogramBuckets),
		Subjects:      buildSubjectTable(subjects, opts.Columns),
	}
	return doc
}

func buildSummary(subjects []*domain.ProcessedSubject) domain.SummarySection {
	summary := domain.SummarySection{TotalSubjects: len(subjects)}

	var compositeSum, confidenceSum float64
	assessed := 0
	for _, s := range subjects {
		if s == nil || s.Assessment == nil {
			continue
		}
		summary.Verdicts.Add(s.Assessment.Overall)
		compositeSum += s.Assessment.Composite
		confidenceSum += s.Assessment.Confidence
		assessed++
	}
	if assessed > 0 {
		summary.MeanComposite = compositeSum / float64(assessed)
		summary.MeanConfidence = confidenceSum / float64(assessed)
	}
	return summary
}

// buildDistributions tallies overall verdicts per resolved age group.
// Subjects without normalization have no group and are left out.
func buildDistributions(subjects []*domain.ProcessedSubject, groups []domain.AgeGroup) []domain.DistributionSection {
	tallies := make(map[string]*domain.VerdictTally)
	for _, s := range subjects {
		if s == nil || s.Normalized == nil || s.Assessment == nil {
			continue
		}
		group := s.Normalized.AgeGroup
		t, ok := tallies[group]
		if !ok {
			t = &domain.VerdictTally{}
			tallies[group] = t
		}
		t.Add(s.Assessment.Overall)
	}
	if len(tallies) == 0 {
		return nil
	}

	ordered := make([]string, 0, len(tallies))
	seen := make(map[string]bool, len(tallies))
	for _, g := range groups {
		if tallies[g.Name] != nil {
			ordered = append(ordered, g.Name)
			seen[g.Name] = true
		}
	}
	var extra []string
	for name := range tallies {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	ordered = append(ordered, extra...)

	out := make([]domain.DistributionSection, 0, len(ordered))
	for _, name := range ordered {
		t := tallies[name]
		out = append(out, domain.DistributionSection{
			AgeGroup: name,
			Bars: []domain.DistributionBar{
				{Label: domain.VerdictPass.String(), Count: t.Pass},
				{Label: domain.VerdictWarning.String(), Count: t.Warning},
				{Label: domain.VerdictFail.String(), Count: t.Fail},
				{Label: domain.VerdictUncertain.String(), Count: t.Uncertain},
			},
		})
	}
	return out
}

// buildHistograms bins raw values per metric, vocabulary order. Metrics with
// no observed values are omitted; a constant series collapses to one bucket.
func buildHistograms(subjects []*domain.ProcessedSubject, buckets int) []domain.HistogramSection {
	var out []domain.HistogramSection
	for _, d := range domain.Vocabulary() {
		var values []float64
		for _, s := range subjects {
			if s == nil || s.RawMetrics == nil {
				continue
			}
			if v := d.Value(s.RawMetrics); v != nil {
				values = append(values, *v)
			}
		}
		if len(values) == 0 {
			continue
		}
		out = append(out, domain.HistogramSection{
			Metric:  d.Name,
			Buckets: binValues(values, buckets),
		})
	}
	return out
}

func binValues(values []float64, buckets int) []domain.HistogramBucket {
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return []domain.HistogramBucket{{Lower: min, Upper: max, Count: len(values)}}
	}

	width := (max - min) / float64(buckets)
	out := make([]domain.HistogramBucket, buckets)
	for i := range out {
		out[i].Lower = min + float64(i)*width
		out[i].Upper = min + float64(i+1)*width
	}
	out[buckets-1].Upper = max
	for _, v := range values {
		idx := int((v - min) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		out[idx].Count++
	}
	return out
}

func buildSubjectTable(subjects []*domain.ProcessedSubject, opts CSVOptions) domain.SubjectTable {
	table := domain.SubjectTable{Columns: csvHeader(opts)}
	for _, s := range subjects {
		if s == nil {
			continue
		}
		table.Rows = append(table.Rows, csvRow(s, opts))
	}
	return table
}
