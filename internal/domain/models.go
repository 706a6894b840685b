package domain

import (
	"fmt"
	"sort"
	"time"
)

// Float64 returns a pointer to v. Convenience for optional metric and
// attribute fields.
func Float64(v float64) *float64 {
	return &v
}

// SubjectInfo identifies one scan session of one subject.
type SubjectInfo struct {
	SubjectID       string     `json:"subject_id"`
	Age             *float64   `json:"age,omitempty"`
	Sex             Sex        `json:"sex,omitempty"`
	Session         string     `json:"session,omitempty"`
	ScanType        ScanType   `json:"scan_type"`
	AcquisitionDate *time.Time `json:"acquisition_date,omitempty"`
	Site            string     `json:"site,omitempty"`
	Scanner         string     `json:"scanner,omitempty"`
}

// AgeGroup is a named contiguous age interval, inclusive of both bounds.
type AgeGroup struct {
	Name        string  `json:"name"`
	MinAge      float64 `json:"min_age"`
	MaxAge      float64 `json:"max_age"`
	Description string  `json:"description,omitempty"`
}

// Contains reports whether age falls inside the group's interval.
func (g AgeGroup) Contains(age float64) bool {
	return age >= g.MinAge && age <= g.MaxAge
}

// Validate checks the single-group invariant min < max.
func (g AgeGroup) Validate() error {
	if g.Name == "" {
		return &ValidationError{Field: "name", Message: "age group name is required"}
	}
	if g.MinAge >= g.MaxAge {
		return &ValidationError{
			Field:   "min_age",
			Message: fmt.Sprintf("min_age %.1f must be below max_age %.1f", g.MinAge, g.MaxAge),
			Value:   g.MinAge,
		}
	}
	return nil
}

// ValidateAgeGroupSet checks an effective age-group set: every group valid
// on its own, names unique, and intervals pairwise non-overlapping when
// sorted by minimum age.
func ValidateAgeGroupSet(groups []AgeGroup) error {
	if len(groups) == 0 {
		return &ValidationError{Field: "age_groups", Message: "at least one age group is required"}
	}
	sorted := make([]AgeGroup, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAge < sorted[j].MinAge })

	seen := make(map[string]struct{}, len(sorted))
	for i, g := range sorted {
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := seen[g.Name]; dup {
			return &ValidationError{Field: "name", Message: "duplicate age group name", Value: g.Name}
		}
		seen[g.Name] = struct{}{}
		if i > 0 && g.MinAge <= sorted[i-1].MaxAge {
			return &ValidationError{
				Field:   "min_age",
				Message: fmt.Sprintf("age groups %q and %q overlap", sorted[i-1].Name, g.Name),
				Value:   g.MinAge,
			}
		}
	}
	return nil
}

// NormativeRecord holds the reference-population statistics for one
// (age group, metric) pair. The percentile anchors are optional; when any is
// missing, percentile computation falls back to a normal-CDF approximation.
type NormativeRecord struct {
	AgeGroup   string   `json:"age_group"`
	Metric     string   `json:"metric"`
	Mean       float64  `json:"mean"`
	SD         float64  `json:"sd"`
	P5         *float64 `json:"p5,omitempty"`
	P25        *float64 `json:"p25,omitempty"`
	P50        *float64 `json:"p50,omitempty"`
	P75        *float64 `json:"p75,omitempty"`
	P95        *float64 `json:"p95,omitempty"`
	SampleSize int      `json:"sample_size"`
}

// HasAnchors reports whether all five percentile anchors are present.
func (r *NormativeRecord) HasAnchors() bool {
	return r.P5 != nil && r.P25 != nil && r.P50 != nil && r.P75 != nil && r.P95 != nil
}

// Anchors returns the five percentile anchors in ascending percentile order.
// Only meaningful when HasAnchors is true.
func (r *NormativeRecord) Anchors() [5]float64 {
	return [5]float64{*r.P5, *r.P25, *r.P50, *r.P75, *r.P95}
}

// Validate checks sd > 0, sample size > 0, and anchor monotonicity.
func (r *NormativeRecord) Validate() error {
	if _, ok := MetricByName(r.Metric); !ok {
		return &ValidationError{Field: "metric", Message: "unknown metric", Value: r.Metric}
	}
	if r.SD <= 0 {
		return &ValidationError{Field: "sd", Message: "standard deviation must be positive", Value: r.SD}
	}
	if r.SampleSize <= 0 {
		return &ValidationError{Field: "sample_size", Message: "sample size must be positive", Value: r.SampleSize}
	}
	if r.HasAnchors() {
		a := r.Anchors()
		for i := 1; i < len(a); i++ {
			if a[i] < a[i-1] {
				return &ValidationError{
					Field:   "percentiles",
					Message: fmt.Sprintf("percentile anchors not monotonic for %s/%s", r.AgeGroup, r.Metric),
				}
			}
		}
	}
	return nil
}

// Threshold is the verdict policy for one (metric, age group) pair.
type Threshold struct {
	Metric    string    `json:"metric"`
	AgeGroup  string    `json:"age_group"`
	Warn      float64   `json:"warn"`
	Fail      float64   `json:"fail"`
	Direction Direction `json:"direction"`
}

// Validate checks the direction/order invariant: higher_better requires
// warn > fail, lower_better requires warn < fail.
func (t *Threshold) Validate() error {
	if _, ok := MetricByName(t.Metric); !ok {
		return &ValidationError{Field: "metric", Message: "unknown metric", Value: t.Metric}
	}
	if !t.Direction.IsValid() {
		return &ValidationError{Field: "direction", Message: "invalid direction", Value: string(t.Direction)}
	}
	switch t.Direction {
	case HigherBetter:
		if t.Warn <= t.Fail {
			return &ValidationError{
				Field:   "warn",
				Message: fmt.Sprintf("%s/%s: higher_better requires warn > fail", t.Metric, t.AgeGroup),
			}
		}
	case LowerBetter:
		if t.Warn >= t.Fail {
			return &ValidationError{
				Field:   "warn",
				Message: fmt.Sprintf("%s/%s: lower_better requires warn < fail", t.Metric, t.AgeGroup),
			}
		}
	}
	return nil
}

// ThresholdTable is the effective threshold policy for one age group,
// indexed densely by MetricID. Nil entries mean no policy for that metric.
type ThresholdTable [MetricCount]*Threshold

// NormalizedEntry is the age-normalized view of one metric value.
type NormalizedEntry struct {
	Percentile float64 `json:"percentile"`
	ZScore     float64 `json:"z_score"`
}

// NormalizedMetrics carries the age-normalized values for every metric that
// had both a raw value and a normative record. Metrics whose z-score exceeds
// the extreme cap are dropped from Entries and listed in ExtremeMetrics so
// the assessor can recommend a unit check.
type NormalizedMetrics struct {
	Dataset        string                     `json:"dataset"`
	AgeGroup       string                     `json:"age_group"`
	Entries        map[string]NormalizedEntry `json:"entries"`
	ExtremeMetrics []string                   `json:"extreme_metrics,omitempty"`
}

// Entry returns the normalized entry for a metric name, if present.
func (n *NormalizedMetrics) Entry(name string) (NormalizedEntry, bool) {
	e, ok := n.Entries[name]
	return e, ok
}

// MaxAbsZ returns the largest absolute z-score across all entries, zero when
// empty.
func (n *NormalizedMetrics) MaxAbsZ() float64 {
	max := 0.0
	for _, e := range n.Entries {
		z := e.ZScore
		if z < 0 {
			z = -z
		}
		if z > max {
			max = z
		}
	}
	return max
}

// ThresholdViolation records a metric value that crossed its warn or fail
// threshold.
type ThresholdViolation struct {
	Value            float64 `json:"value"`
	CrossedThreshold float64 `json:"crossed_threshold"`
	Severity         Verdict `json:"severity"`
}

// QualityAssessment is the verdict bundle for one scan session. It is a pure
// function of the raw metrics, the subject context, and the effective
// threshold policy; identical inputs yield byte-identical assessments.
type QualityAssessment struct {
	Overall         Verdict                       `json:"overall"`
	PerMetric       map[string]Verdict            `json:"per_metric"`
	Composite       float64                       `json:"composite"`
	Confidence      float64                       `json:"confidence"`
	Recommendations []string                      `json:"recommendations,omitempty"`
	Flags           []string                      `json:"flags,omitempty"`
	Violations      map[string]ThresholdViolation `json:"violations,omitempty"`
}

// ProcessedSubject is the pipeline output for one row: the subject, its raw
// metrics, the optional normalization, and the optional assessment. A batch
// exclusively owns its ProcessedSubject sequence until archived; observers
// receive snapshots.
type ProcessedSubject struct {
	Subject           SubjectInfo        `json:"subject"`
	RawMetrics        *Metrics           `json:"raw_metrics"`
	Normalized        *NormalizedMetrics `json:"normalized_metrics,omitempty"`
	Assessment        *QualityAssessment `json:"assessment,omitempty"`
	RowIndex          int                `json:"row_index"`
	ProcessedAt       time.Time          `json:"processed_at"`
	ProcessingVersion string             `json:"processing_version"`
}

// BatchProgress is the counter snapshot of a running batch.
type BatchProgress struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// BatchState is the externally visible state of a batch. Callers always
// receive copies; the orchestrator owns the mutable record.
type BatchState struct {
	BatchID     string            `json:"batch_id"`
	Status      BatchStatus       `json:"status"`
	Progress    BatchProgress     `json:"progress"`
	Errors      []ProcessingError `json:"errors,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// BatchConfig selects the pipeline stages and study context for one batch.
type BatchConfig struct {
	ApplyNormalization bool          `json:"apply_normalization"`
	ApplyAssessment    bool          `json:"apply_assessment"`
	Study              string        `json:"study,omitempty"`
	CustomThresholds   []Threshold   `json:"custom_thresholds,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
}

// StudyConfiguration customizes the normalization and assessment policy for
// one study: its normative dataset, optional custom age groups and
// thresholds, and exclusion criteria.
type StudyConfiguration struct {
	ID                int64       `json:"id,omitempty"`
	StudyName         string      `json:"study_name"`
	NormativeDataset  string      `json:"normative_dataset"`
	CustomAgeGroups   []AgeGroup  `json:"custom_age_groups,omitempty"`
	CustomThresholds  []Threshold `json:"custom_thresholds,omitempty"`
	ExclusionCriteria []string    `json:"exclusion_criteria,omitempty"`
	CreatedBy         string      `json:"created_by,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Timepoint is one processed scan session inside a longitudinal series.
type Timepoint struct {
	TimepointID      string            `json:"timepoint_id"`
	Session          string            `json:"session,omitempty"`
	DaysFromBaseline float64           `json:"days_from_baseline"`
	AgeAtScan        *float64          `json:"age_at_scan,omitempty"`
	Processed        *ProcessedSubject `json:"processed"`
	AddedAt          time.Time         `json:"added_at"`
}

// LongitudinalSubject groups the timepoints of one subject, ordered by
// days from baseline. Session labels are unique within a subject; adding a
// timepoint with an existing session replaces it.
type LongitudinalSubject struct {
	SubjectID   string      `json:"subject_id"`
	BaselineAge *float64    `json:"baseline_age,omitempty"`
	Sex         Sex         `json:"sex,omitempty"`
	Study       string      `json:"study,omitempty"`
	Timepoints  []Timepoint `json:"timepoints"`
}

// TrendPoint is one observation inside a trend series.
type TrendPoint struct {
	TimepointID      string   `json:"timepoint_id"`
	Value            float64  `json:"value"`
	DaysFromBaseline float64  `json:"days_from_baseline"`
	AgeAtScan        *float64 `json:"age_at_scan,omitempty"`
}

// AgeGroupTransition records a subject crossing from one age group into
// another between consecutive timepoints.
type AgeGroupTransition struct {
	FromGroup     string  `json:"from_group"`
	ToGroup       string  `json:"to_group"`
	FromTimepoint string  `json:"from_timepoint"`
	ToTimepoint   string  `json:"to_timepoint"`
	FromAge       float64 `json:"from_age"`
	ToAge         float64 `json:"to_age"`
}

// QualityStatusChange records the overall verdict changing between
// consecutive timepoints.
type QualityStatusChange struct {
	FromTimepoint string  `json:"from_timepoint"`
	ToTimepoint   string  `json:"to_timepoint"`
	FromVerdict   Verdict `json:"from_verdict"`
	ToVerdict     Verdict `json:"to_verdict"`
}

// Trend is the longitudinal fit of one metric for one subject: OLS slope
// over days from baseline, fit quality, and the resulting direction class.
type Trend struct {
	SubjectID            string                `json:"subject_id"`
	Metric               string                `json:"metric"`
	Direction            TrendDirection        `json:"direction"`
	Slope                *float64              `json:"slope,omitempty"`
	Intercept            *float64              `json:"intercept,omitempty"`
	RSquared             *float64              `json:"r_squared,omitempty"`
	PValue               *float64              `json:"p_value,omitempty"`
	ValuesOverTime       []TrendPoint          `json:"values_over_time"`
	AgeGroupChanges      []AgeGroupTransition  `json:"age_group_changes,omitempty"`
	QualityStatusChanges []QualityStatusChange `json:"quality_status_changes,omitempty"`
}

// LongitudinalSummary aggregates trend statistics across one study.
type LongitudinalSummary struct {
	Study          string                            `json:"study"`
	SubjectCount   int                               `json:"subject_count"`
	TimepointCount int                               `json:"timepoint_count"`
	TrendsByMetric map[string]map[TrendDirection]int `json:"trends_by_metric,omitempty"`
}
