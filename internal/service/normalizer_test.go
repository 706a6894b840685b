package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/normative"
)

// newNormStore installs a one-group dataset with an anchored snr record, an
// anchor-free efc record, and no cnr record at all.
func newNormStore(t *testing.T) *normative.Store {
	t.Helper()
	ds, err := normative.NewDataset("norm-test-v1",
		[]domain.AgeGroup{{Name: "adult", MinAge: 18, MaxAge: 65}},
		[]domain.NormativeRecord{
			{
				AgeGroup: "adult", Metric: "snr", Mean: 12, SD: 2,
				P5: domain.Float64(8.7), P25: domain.Float64(10.7), P50: domain.Float64(12),
				P75: domain.Float64(13.3), P95: domain.Float64(15.3),
				SampleSize: 320,
			},
			{AgeGroup: "adult", Metric: "efc", Mean: 0.5, SD: 0.1, SampleSize: 320},
		},
		nil)
	require.NoError(t, err)

	store := normative.NewStore(testLogger())
	store.Install(ds)
	return store
}

func newNormalizer(t *testing.T, norms *normative.Store) *Normalizer {
	t.Helper()
	return NewNormalizer(norms, newClassifier(t, norms), testLogger())
}

func TestNormalizeZScoreAndInterpolation(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	metrics := &domain.Metrics{SNR: domain.Float64(15)}
	got := n.Normalize(metrics, domain.Float64(25), nil)
	require.NotNil(t, got)

	assert.Equal(t, "norm-test-v1", got.Dataset)
	assert.Equal(t, "adult", got.AgeGroup)

	entry, ok := got.Entry("snr")
	require.True(t, ok)
	assert.InDelta(t, 1.5, entry.ZScore, 1e-12)
	// 15 sits between p75=13.3 and p95=15.3.
	assert.InDelta(t, 75+(15-13.3)/(15.3-13.3)*20, entry.Percentile, 1e-9)
}

func TestNormalizeAnchorEdges(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{name: "below p5 clamps", value: 5, want: 5},
		{name: "at p5", value: 8.7, want: 5},
		{name: "at median", value: 12, want: 50},
		{name: "midway p50 to p75", value: 12.65, want: 62.5},
		{name: "at p95", value: 15.3, want: 95},
		{name: "above p95 clamps", value: 40, want: 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(&domain.Metrics{SNR: domain.Float64(tt.value)}, domain.Float64(25), nil)
			require.NotNil(t, got)
			entry, ok := got.Entry("snr")
			require.True(t, ok)
			assert.InDelta(t, tt.want, entry.Percentile, 1e-9)
		})
	}
}

func TestNormalizeCDFFallback(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	// efc has no anchors; the percentile comes from the normal CDF.
	got := n.Normalize(&domain.Metrics{EFC: domain.Float64(0.5)}, domain.Float64(25), nil)
	require.NotNil(t, got)
	entry, ok := got.Entry("efc")
	require.True(t, ok)
	assert.InDelta(t, 0, entry.ZScore, 1e-12)
	assert.InDelta(t, 50, entry.Percentile, 1e-9)

	got = n.Normalize(&domain.Metrics{EFC: domain.Float64(0.65)}, domain.Float64(25), nil)
	require.NotNil(t, got)
	entry, ok = got.Entry("efc")
	require.True(t, ok)
	assert.InDelta(t, 1.5, entry.ZScore, 1e-12)
	assert.InDelta(t, 93.319, entry.Percentile, 0.001)
}

func TestNormalizeSkipsMetricsWithoutNorms(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	metrics := &domain.Metrics{
		SNR: domain.Float64(12),
		CNR: domain.Float64(3.5), // no record in the dataset
	}
	got := n.Normalize(metrics, domain.Float64(25), nil)
	require.NotNil(t, got)

	_, ok := got.Entry("snr")
	assert.True(t, ok)
	_, ok = got.Entry("cnr")
	assert.False(t, ok, "metric without a record is skipped, not failed")
	assert.Empty(t, got.ExtremeMetrics)
}

func TestNormalizeDropsExtremeValues(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	// z = (0.99 - 0.5) / 0.1 = 4.9 stays; snr 15 is ordinary; an snr of 999
	// would leave the sanity range upstream, so force extremeness via efc.
	got := n.Normalize(&domain.Metrics{EFC: domain.Float64(0.99)}, domain.Float64(25), nil)
	require.NotNil(t, got)
	_, ok := got.Entry("efc")
	assert.True(t, ok)

	ds, err := normative.NewDataset("tight-v1",
		[]domain.AgeGroup{{Name: "adult", MinAge: 18, MaxAge: 65}},
		[]domain.NormativeRecord{
			{AgeGroup: "adult", Metric: "efc", Mean: 0.5, SD: 0.001, SampleSize: 10},
		},
		nil)
	require.NoError(t, err)
	norms := normative.NewStore(testLogger())
	norms.Install(ds)
	tight := newNormalizer(t, norms)

	// z = (0.99 - 0.5) / 0.001 = 490: dropped and reported.
	got = tight.Normalize(&domain.Metrics{EFC: domain.Float64(0.99)}, domain.Float64(25), nil)
	require.NotNil(t, got)
	_, ok = got.Entry("efc")
	assert.False(t, ok)
	assert.Equal(t, []string{"efc"}, got.ExtremeMetrics)
}

func TestNormalizeWithoutAgeContext(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	metrics := &domain.Metrics{SNR: domain.Float64(12)}
	assert.Nil(t, n.Normalize(metrics, nil, nil), "missing age")
	assert.Nil(t, n.Normalize(metrics, domain.Float64(80), nil), "age outside the only group")
}

func TestPercentileClampProperty(t *testing.T) {
	n := newNormalizer(t, newNormStore(t))

	for _, v := range []float64{0, 0.1, 5, 8.7, 11.9, 12, 13.31, 15.3, 50, 100} {
		got := n.Normalize(&domain.Metrics{SNR: domain.Float64(v)}, domain.Float64(25), nil)
		require.NotNil(t, got)
		if entry, ok := got.Entry("snr"); ok {
			assert.GreaterOrEqual(t, entry.Percentile, 0.0, "value %v", v)
			assert.LessOrEqual(t, entry.Percentile, 100.0, "value %v", v)
		}
	}
}
