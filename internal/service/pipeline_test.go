package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/normative"
)

func newPipeline(t *testing.T, norms *normative.Store, weights map[string]float64) *Pipeline {
	t.Helper()
	classifier := newClassifier(t, norms)
	resolver := newResolver(t, norms)
	normalizer := NewNormalizer(norms, classifier, testLogger())
	assessor := NewAssessor(weights, testLogger())
	return NewPipeline(classifier, normalizer, resolver, assessor, "qcnorm-test", testLogger())
}

// happyPathStore carries norms and thresholds for snr and efc only; cnr has
// neither, so its verdict must come out uncertain.
func happyPathStore(t *testing.T) *normative.Store {
	t.Helper()
	ds, err := normative.NewDataset("happy-v1",
		[]domain.AgeGroup{{Name: "young_adult", MinAge: 18, MaxAge: 35}},
		[]domain.NormativeRecord{
			{
				AgeGroup: "young_adult", Metric: "snr", Mean: 12, SD: 2,
				P5: domain.Float64(8.7), P25: domain.Float64(10.7), P50: domain.Float64(12),
				P75: domain.Float64(13.3), P95: domain.Float64(15.3),
				SampleSize: 320,
			},
			{
				AgeGroup: "young_adult", Metric: "efc", Mean: 0.47, SD: 0.06,
				P5: domain.Float64(0.38), P25: domain.Float64(0.42), P50: domain.Float64(0.50),
				P75: domain.Float64(0.55), P95: domain.Float64(0.62),
				SampleSize: 320,
			},
		},
		[]domain.Threshold{
			{Metric: "snr", AgeGroup: "young_adult", Warn: 10, Fail: 8, Direction: domain.HigherBetter},
			{Metric: "efc", AgeGroup: "young_adult", Warn: 0.55, Fail: 0.65, Direction: domain.LowerBetter},
		})
	require.NoError(t, err)

	store := normative.NewStore(testLogger())
	store.Install(ds)
	return store
}

func TestProcessRowHappyPath(t *testing.T) {
	p := newPipeline(t, happyPathStore(t), nil)

	subject := domain.SubjectInfo{
		SubjectID: "sub-001",
		Age:       domain.Float64(25),
		ScanType:  domain.ScanT1w,
	}
	metrics := &domain.Metrics{
		SNR: domain.Float64(15.0),
		CNR: domain.Float64(3.5),
		EFC: domain.Float64(0.45),
	}

	got := p.ProcessRow(subject, metrics, 0, RowOptions{
		ApplyNormalization: true,
		ApplyAssessment:    true,
	})

	require.NotNil(t, got.Normalized)
	assert.Equal(t, "young_adult", got.Normalized.AgeGroup)

	snr, ok := got.Normalized.Entry("snr")
	require.True(t, ok)
	assert.InDelta(t, 1.5, snr.ZScore, 1e-12)

	efc, ok := got.Normalized.Entry("efc")
	require.True(t, ok)
	assert.Greater(t, efc.Percentile, 25.0)
	assert.Less(t, efc.Percentile, 50.0)

	_, ok = got.Normalized.Entry("cnr")
	assert.False(t, ok, "no norm for cnr")

	require.NotNil(t, got.Assessment)
	assert.Equal(t, domain.VerdictPass, got.Assessment.PerMetric["snr"])
	assert.Equal(t, domain.VerdictPass, got.Assessment.PerMetric["efc"])
	assert.Equal(t, domain.VerdictUncertain, got.Assessment.PerMetric["cnr"])
	assert.InDelta(t, 100, got.Assessment.Composite, 1e-9)
	assert.Equal(t, domain.VerdictPass, got.Assessment.Overall)
	// Two concrete verdicts out of three, attenuated by max|z| = 1.5.
	assert.InDelta(t, (2.0/3.0)*0.85, got.Assessment.Confidence, 1e-9)

	assert.Equal(t, 0, got.RowIndex)
	assert.Equal(t, "qcnorm-test", got.ProcessingVersion)
	assert.False(t, got.ProcessedAt.IsZero())
}

func TestProcessRowMixedVerdicts(t *testing.T) {
	ds, err := normative.NewDataset("elderly-v1",
		[]domain.AgeGroup{{Name: "elderly", MinAge: 66, MaxAge: 100}},
		[]domain.NormativeRecord{
			{AgeGroup: "elderly", Metric: "snr", Mean: 10.5, SD: 2.3, SampleSize: 190},
			{AgeGroup: "elderly", Metric: "cnr", Mean: 3.0, SD: 0.8, SampleSize: 190},
		},
		[]domain.Threshold{
			{Metric: "snr", AgeGroup: "elderly", Warn: 10, Fail: 8, Direction: domain.HigherBetter},
			{Metric: "cnr", AgeGroup: "elderly", Warn: 2.5, Fail: 2.0, Direction: domain.HigherBetter},
		})
	require.NoError(t, err)
	norms := normative.NewStore(testLogger())
	norms.Install(ds)
	p := newPipeline(t, norms, nil)

	subject := domain.SubjectInfo{
		SubjectID: "sub-002",
		Age:       domain.Float64(70),
		ScanType:  domain.ScanT1w,
	}
	metrics := &domain.Metrics{
		SNR: domain.Float64(8.0),
		CNR: domain.Float64(2.0),
	}

	got := p.ProcessRow(subject, metrics, 0, RowOptions{
		ApplyNormalization: true,
		ApplyAssessment:    true,
	})

	require.NotNil(t, got.Assessment)
	// Both values sit exactly on their fail bound, which is a warning.
	assert.Equal(t, domain.VerdictWarning, got.Assessment.PerMetric["snr"])
	assert.Equal(t, domain.VerdictWarning, got.Assessment.PerMetric["cnr"])
	assert.InDelta(t, 60, got.Assessment.Composite, 1e-9)
	assert.Equal(t, domain.VerdictWarning, got.Assessment.Overall)
}

func TestProcessRowWithoutAge(t *testing.T) {
	p := newPipeline(t, happyPathStore(t), nil)

	subject := domain.SubjectInfo{SubjectID: "sub-003", ScanType: domain.ScanT1w}
	metrics := &domain.Metrics{SNR: domain.Float64(15)}

	got := p.ProcessRow(subject, metrics, 4, RowOptions{
		ApplyNormalization: true,
		ApplyAssessment:    true,
	})

	assert.Nil(t, got.Normalized)
	require.NotNil(t, got.Assessment)
	assert.Equal(t, domain.VerdictUncertain, got.Assessment.Overall)
	assert.Contains(t, got.Assessment.Flags, FlagNotNormalized)
}

func TestProcessRowStagesDisabled(t *testing.T) {
	p := newPipeline(t, happyPathStore(t), nil)

	subject := domain.SubjectInfo{
		SubjectID: "sub-004",
		Age:       domain.Float64(25),
		ScanType:  domain.ScanT1w,
	}
	metrics := &domain.Metrics{SNR: domain.Float64(15)}

	got := p.ProcessRow(subject, metrics, 0, RowOptions{})
	assert.Nil(t, got.Normalized)
	assert.Nil(t, got.Assessment)
	assert.Same(t, metrics, got.RawMetrics)

	// Assessment alone still resolves thresholds through the age group.
	got = p.ProcessRow(subject, metrics, 0, RowOptions{ApplyAssessment: true})
	assert.Nil(t, got.Normalized)
	require.NotNil(t, got.Assessment)
	assert.Equal(t, domain.VerdictPass, got.Assessment.PerMetric["snr"])
	assert.InDelta(t, 1.0, got.Assessment.Confidence, 1e-9, "no attenuation without a normalized view")
}

func TestProcessRowBatchOverrides(t *testing.T) {
	p := newPipeline(t, happyPathStore(t), nil)

	subject := domain.SubjectInfo{
		SubjectID: "sub-005",
		Age:       domain.Float64(25),
		ScanType:  domain.ScanT1w,
	}
	metrics := &domain.Metrics{SNR: domain.Float64(15)}

	got := p.ProcessRow(subject, metrics, 0, RowOptions{
		ApplyAssessment: true,
		Overrides: []domain.Threshold{
			{Metric: "snr", AgeGroup: "young_adult", Warn: 20, Fail: 16, Direction: domain.HigherBetter},
		},
	})

	require.NotNil(t, got.Assessment)
	assert.Equal(t, domain.VerdictFail, got.Assessment.PerMetric["snr"], "batch override tightened the floor")
}

func TestProcessRowDeterministic(t *testing.T) {
	p := newPipeline(t, happyPathStore(t), nil)

	subject := domain.SubjectInfo{
		SubjectID: "sub-006",
		Age:       domain.Float64(25),
		ScanType:  domain.ScanT1w,
	}
	metrics := &domain.Metrics{
		SNR: domain.Float64(9.0),
		EFC: domain.Float64(0.6),
	}
	opts := RowOptions{ApplyNormalization: true, ApplyAssessment: true}

	first := p.ProcessRow(subject, metrics, 0, opts)
	second := p.ProcessRow(subject, metrics, 0, opts)

	assert.Equal(t, first.Normalized, second.Normalized)
	assert.Equal(t, first.Assessment, second.Assessment)
}
