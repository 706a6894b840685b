package service

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/normative"
)

// zExtremeCap is the validation bound on z-scores. An entry beyond it is
// dropped from the normalized set and listed as extreme; values that far out
// are almost always unit mistakes in the upstream report.
const zExtremeCap = 50.0

// percentileRanks are the ranks of the five anchor points of a normative
// record, in ascending order.
var percentileRanks = [5]float64{5, 25, 50, 75, 95}

// Normalizer computes the age-normalized view of raw metrics: a percentile
// and a z-score per metric, against the normative record of the subject's
// age group. Metrics without a value or without a record are skipped, never
// failed.
type Normalizer struct {
	norms      *normative.Store
	classifier *AgeClassifier
	logger     *logrus.Logger
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(norms *normative.Store, classifier *AgeClassifier, logger *logrus.Logger) *Normalizer {
	return &Normalizer{norms: norms, classifier: classifier, logger: logger}
}

// Normalize returns the normalized view of metrics for the given age, or nil
// when the age is absent or no effective age group contains it.
func (n *Normalizer) Normalize(metrics *domain.Metrics, age *float64, study *domain.StudyConfiguration) *domain.NormalizedMetrics {
	group, ok := n.classifier.Classify(study, age)
	if !ok {
		return nil
	}
	return n.normalizeInGroup(metrics, group.Name)
}

// normalizeInGroup normalizes against an already-resolved age group.
func (n *Normalizer) normalizeInGroup(metrics *domain.Metrics, ageGroup string) *domain.NormalizedMetrics {
	out := &domain.NormalizedMetrics{
		Dataset:  n.norms.Dataset().Name,
		AgeGroup: ageGroup,
		Entries:  make(map[string]domain.NormalizedEntry),
	}

	for _, id := range metrics.Present() {
		d := domain.MetricByID(id)
		rec := n.norms.Normative(d.Name, ageGroup)
		if rec == nil {
			// No norm for this pair; the metric stays raw-only.
			continue
		}

		v := *metrics.Value(id)
		z := 0.0
		if rec.SD > 0 {
			z = (v - rec.Mean) / rec.SD
		} else {
			n.logger.WithFields(logrus.Fields{
				"metric":    d.Name,
				"age_group": ageGroup,
			}).Warn("Normative record has non-positive sd, z-score forced to 0")
		}

		if math.Abs(z) > zExtremeCap {
			out.ExtremeMetrics = append(out.ExtremeMetrics, d.Name)
			n.logger.WithFields(logrus.Fields{
				"metric":    d.Name,
				"age_group": ageGroup,
				"z_score":   z,
			}).Warn("Metric value extreme, dropped from normalized set")
			continue
		}

		out.Entries[d.Name] = domain.NormalizedEntry{
			Percentile: percentile(v, z, rec),
			ZScore:     z,
		}
	}

	return out
}

// percentile places v on the record's percentile scale. With all five
// anchors present it interpolates linearly between them, clamping to 5 below
// p5 and 95 above p95. With anchors missing it falls back to the normal-CDF
// approximation of the z-score. Either way the result lies in [0,100].
func percentile(v, z float64, rec *domain.NormativeRecord) float64 {
	if !rec.HasAnchors() {
		return clamp(normalCDF(z)*100, 0, 100)
	}

	anchors := rec.Anchors()
	if v <= anchors[0] {
		return percentileRanks[0]
	}
	if v >= anchors[4] {
		return percentileRanks[4]
	}
	for i := 1; i < len(anchors); i++ {
		if v <= anchors[i] {
			lo, hi := anchors[i-1], anchors[i]
			if hi == lo {
				return percentileRanks[i]
			}
			frac := (v - lo) / (hi - lo)
			return percentileRanks[i-1] + frac*(percentileRanks[i]-percentileRanks[i-1])
		}
	}
	return percentileRanks[4]
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
