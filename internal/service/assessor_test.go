package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
)

func hbThreshold(metric string, warn, fail float64) *domain.Threshold {
	return &domain.Threshold{Metric: metric, AgeGroup: "adult", Warn: warn, Fail: fail, Direction: domain.HigherBetter}
}

func lbThreshold(metric string, warn, fail float64) *domain.Threshold {
	return &domain.Threshold{Metric: metric, AgeGroup: "adult", Warn: warn, Fail: fail, Direction: domain.LowerBetter}
}

func TestVerdictFor(t *testing.T) {
	hb := hbThreshold("snr", 10, 8)
	lb := lbThreshold("efc", 0.55, 0.65)

	tests := []struct {
		name      string
		value     float64
		threshold *domain.Threshold
		want      domain.Verdict
	}{
		{name: "hb above warn", value: 12, threshold: hb, want: domain.VerdictPass},
		{name: "hb at warn", value: 10, threshold: hb, want: domain.VerdictPass},
		{name: "hb inside band", value: 9, threshold: hb, want: domain.VerdictWarning},
		{name: "hb at fail is warning", value: 8, threshold: hb, want: domain.VerdictWarning},
		{name: "hb below fail", value: 7.9, threshold: hb, want: domain.VerdictFail},
		{name: "lb below warn", value: 0.4, threshold: lb, want: domain.VerdictPass},
		{name: "lb at warn", value: 0.55, threshold: lb, want: domain.VerdictPass},
		{name: "lb inside band", value: 0.6, threshold: lb, want: domain.VerdictWarning},
		{name: "lb at fail is warning", value: 0.65, threshold: lb, want: domain.VerdictWarning},
		{name: "lb above fail", value: 0.66, threshold: lb, want: domain.VerdictFail},
		{name: "no policy", value: 12, threshold: nil, want: domain.VerdictUncertain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verdictFor(tt.value, tt.threshold); got != tt.want {
				t.Errorf("verdictFor(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestAssessCompositeExcludesUncertain(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)
	table[domain.MetricEFC] = lbThreshold("efc", 0.55, 0.65)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(15),
			CNR: domain.Float64(3.5), // no policy: uncertain
			EFC: domain.Float64(0.45),
		},
		Table: table,
	})

	assert.Equal(t, domain.VerdictPass, got.PerMetric["snr"])
	assert.Equal(t, domain.VerdictPass, got.PerMetric["efc"])
	assert.Equal(t, domain.VerdictUncertain, got.PerMetric["cnr"])
	assert.InDelta(t, 100, got.Composite, 1e-9)
	assert.Equal(t, domain.VerdictPass, got.Overall)
	assert.Empty(t, got.Violations)
}

func TestAssessAllWarnings(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)
	table[domain.MetricCNR] = hbThreshold("cnr", 2.5, 2.0)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(8),
			CNR: domain.Float64(2),
		},
		Table: table,
	})

	assert.Equal(t, domain.VerdictWarning, got.PerMetric["snr"])
	assert.Equal(t, domain.VerdictWarning, got.PerMetric["cnr"])
	assert.InDelta(t, 60, got.Composite, 1e-9)
	assert.Equal(t, domain.VerdictWarning, got.Overall)

	require.Contains(t, got.Violations, "snr")
	assert.Equal(t, 10.0, got.Violations["snr"].CrossedThreshold)
	assert.Equal(t, domain.VerdictWarning, got.Violations["snr"].Severity)
}

func TestAssessFailDominates(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)
	table[domain.MetricEFC] = lbThreshold("efc", 0.55, 0.65)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(5),   // fail
			EFC: domain.Float64(0.4), // pass
		},
		Table: table,
	})

	assert.Equal(t, domain.VerdictFail, got.Overall)
	assert.InDelta(t, 50, got.Composite, 1e-9)
	require.Contains(t, got.Violations, "snr")
	assert.Equal(t, 8.0, got.Violations["snr"].CrossedThreshold)
	assert.Equal(t, domain.VerdictFail, got.Violations["snr"].Severity)
	assert.Contains(t, got.Flags, FlagLowSignal)
	assert.Contains(t, got.Recommendations, "signal-to-noise below age-matched floor")
}

func TestAssessAllUncertain(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{SNR: domain.Float64(15), CNR: domain.Float64(3)},
		Table:   nil,
	})

	assert.Equal(t, domain.VerdictUncertain, got.Overall)
	assert.InDelta(t, 50, got.Composite, 1e-9)
	assert.Zero(t, got.Confidence)
	assert.Contains(t, got.Flags, FlagNoPolicy)
	assert.Contains(t, got.Recommendations, "no threshold policy applies; verdicts are uncertain")
}

func TestAssessOverallWarningBoundaries(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	// One warning among five concrete verdicts is exactly 20%.
	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)
	table[domain.MetricCNR] = hbThreshold("cnr", 2.5, 2.0)
	table[domain.MetricFBER] = hbThreshold("fber", 1000, 500)
	table[domain.MetricEFC] = lbThreshold("efc", 0.55, 0.65)
	table[domain.MetricCJV] = lbThreshold("cjv", 0.5, 0.6)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR:  domain.Float64(9), // warning
			CNR:  domain.Float64(3),
			FBER: domain.Float64(2000),
			EFC:  domain.Float64(0.4),
			CJV:  domain.Float64(0.4),
		},
		Table: table,
	})
	assert.Equal(t, domain.VerdictWarning, got.Overall, "20%% warnings demote the overall verdict")
	// composite = (0.6 + 4*1.0)/5*100 = 92
	assert.InDelta(t, 92, got.Composite, 1e-9)
}

func TestAssessCompositeWeights(t *testing.T) {
	weights := map[string]float64{"snr": 3}
	a := NewAssessor(weights, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)
	table[domain.MetricEFC] = lbThreshold("efc", 0.55, 0.65)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(15),  // pass, weight 3
			EFC: domain.Float64(0.7), // fail, weight 1
		},
		Table: table,
	})
	// composite = 100 * (3*1 + 1*0) / 4 = 75
	assert.InDelta(t, 75, got.Composite, 1e-9)
	assert.Equal(t, domain.VerdictFail, got.Overall)
}

func TestAssessConfidence(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)

	// Without a normalized view: plain concrete fraction.
	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(15),
			CNR: domain.Float64(3), // uncertain
		},
		Table: table,
	})
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)

	// A normalized view attenuates by max |z|.
	got = a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(15),
			CNR: domain.Float64(3),
		},
		Normalized: &domain.NormalizedMetrics{
			Dataset:  "test",
			AgeGroup: "adult",
			Entries: map[string]domain.NormalizedEntry{
				"snr": {Percentile: 93, ZScore: 1.5},
			},
		},
		Table: table,
	})
	assert.InDelta(t, 0.5*0.85, got.Confidence, 1e-9)

	// A dropped extreme value zeroes the confidence.
	got = a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{SNR: domain.Float64(15)},
		Normalized: &domain.NormalizedMetrics{
			Dataset:        "test",
			AgeGroup:       "adult",
			Entries:        map[string]domain.NormalizedEntry{},
			ExtremeMetrics: []string{"snr"},
		},
		Table: table,
	})
	assert.Zero(t, got.Confidence)
	assert.Contains(t, got.Flags, FlagExtremeValues)
	assert.Contains(t, got.Recommendations, "snr: value extreme; verify unit")
}

func TestAssessExtremeZRecommendation(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{SNR: domain.Float64(40)},
		Normalized: &domain.NormalizedMetrics{
			Dataset:  "test",
			AgeGroup: "adult",
			Entries: map[string]domain.NormalizedEntry{
				"snr": {Percentile: 95, ZScore: 14},
			},
		},
		Table: table,
	})

	assert.Contains(t, got.Flags, FlagExtremeValues)
	assert.Contains(t, got.Recommendations, "snr deviates more than 10 sd from age-matched norms; verify acquisition")
	assert.Zero(t, got.Confidence, "14 sigma saturates the attenuation")
}

func TestAssessMotionFlags(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricFDMean] = lbThreshold("fd_mean", 0.25, 0.45)

	got := a.Assess(AssessmentInput{
		Metrics: &domain.Metrics{FDMean: domain.Float64(0.9)},
		Table:   table,
	})

	assert.Equal(t, domain.VerdictFail, got.Overall)
	assert.Contains(t, got.Flags, FlagHighMotion)
	assert.Contains(t, got.Recommendations, "mean framewise displacement above age-matched ceiling")
}

func TestAssessIsPure(t *testing.T) {
	a := NewAssessor(nil, testLogger())

	table := &domain.ThresholdTable{}
	table[domain.MetricSNR] = hbThreshold("snr", 10, 8)
	table[domain.MetricEFC] = lbThreshold("efc", 0.55, 0.65)

	in := AssessmentInput{
		Metrics: &domain.Metrics{
			SNR: domain.Float64(9),
			EFC: domain.Float64(0.7),
			CNR: domain.Float64(2),
		},
		Normalized: &domain.NormalizedMetrics{
			Dataset:  "test",
			AgeGroup: "adult",
			Entries: map[string]domain.NormalizedEntry{
				"snr": {Percentile: 20, ZScore: -1.2},
			},
		},
		Table: table,
	}

	first := a.Assess(in)
	second := a.Assess(in)
	assert.Equal(t, first, second)
}
