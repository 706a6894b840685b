package service

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
)

// Composite scoring constants. Uncertain verdicts never enter the weighted
// sum; a row with no concrete verdict at all gets the neutral midpoint.
const (
	scorePass        = 1.0
	scoreWarning     = 0.6
	scoreFail        = 0.0
	neutralComposite = 50.0

	// warningOverallFraction is the share of warnings among concrete
	// verdicts that demotes the overall verdict.
	warningOverallFraction = 0.2

	// compositeWarningFloor demotes the overall verdict when the composite
	// falls below it.
	compositeWarningFloor = 70.0

	// zAttenuationScale divides the largest |z| when attenuating confidence;
	// at 10 sigma the assessment carries no confidence at all.
	zAttenuationScale = 10.0
)

// AssessmentInput bundles everything a quality assessment depends on: the
// raw metrics, the optional normalized view, and the resolved threshold
// table (nil when the subject has no age group).
type AssessmentInput struct {
	Metrics    *domain.Metrics
	Normalized *domain.NormalizedMetrics
	Table      *domain.ThresholdTable
}

// Assessor turns raw metrics and their threshold policy into a quality
// assessment: per-metric verdicts, a composite score, an overall verdict,
// a confidence value, and deterministic flags and recommendations. Assess is
// a pure function of its input and the configured weights; identical inputs
// yield identical assessments.
type Assessor struct {
	weights map[string]float64
	logger  *logrus.Logger
}

// NewAssessor creates an assessor. weights maps metric names to composite
// weights; missing entries default to 1.
func NewAssessor(weights map[string]float64, logger *logrus.Logger) *Assessor {
	return &Assessor{weights: weights, logger: logger}
}

// Assess computes the quality assessment for one scan session.
func (a *Assessor) Assess(in AssessmentInput) *domain.QualityAssessment {
	out := &domain.QualityAssessment{
		PerMetric:  make(map[string]domain.Verdict),
		Violations: make(map[string]domain.ThresholdViolation),
	}

	var (
		tally      domain.VerdictTally
		sumWeight  float64
		sumScore   float64
		fails      []domain.MetricID
		warns      []domain.MetricID
		uncertains []domain.MetricID
	)

	for _, id := range in.Metrics.Present() {
		d := domain.MetricByID(id)
		v := *in.Metrics.Value(id)

		var threshold *domain.Threshold
		if in.Table != nil {
			threshold = in.Table[id]
		}

		verdict := verdictFor(v, threshold)
		out.PerMetric[d.Name] = verdict
		tally.Add(verdict)

		switch verdict {
		case domain.VerdictFail:
			fails = append(fails, id)
			out.Violations[d.Name] = domain.ThresholdViolation{
				Value:            v,
				CrossedThreshold: threshold.Fail,
				Severity:         domain.VerdictFail,
			}
		case domain.VerdictWarning:
			warns = append(warns, id)
			out.Violations[d.Name] = domain.ThresholdViolation{
				Value:            v,
				CrossedThreshold: threshold.Warn,
				Severity:         domain.VerdictWarning,
			}
		case domain.VerdictUncertain:
			uncertains = append(uncertains, id)
		}

		if verdict.Concrete() {
			w := a.weightFor(d.Name)
			sumWeight += w
			sumScore += w * verdictScore(verdict)
		}
	}

	concrete := tally.Pass + tally.Warning + tally.Fail
	total := tally.Total()

	// Composite over concrete verdicts only.
	if concrete == 0 || sumWeight == 0 {
		out.Composite = neutralComposite
	} else {
		out.Composite = 100 * sumScore / sumWeight
	}

	out.Overall = overallVerdict(tally, concrete, out.Composite)
	out.Confidence = a.confidence(concrete, total, in.Normalized)
	out.Flags = buildFlags(in, fails, uncertains)
	out.Recommendations = buildRecommendations(in, fails, warns, concrete)

	a.logger.WithFields(logrus.Fields{
		"overall":    out.Overall,
		"composite":  out.Composite,
		"confidence": out.Confidence,
		"metrics":    total,
	}).Debug("Quality assessment computed")

	return out
}

// verdictFor applies the threshold rule table. The fail bound is strict on
// both directions: a value exactly on it is a warning, not a fail.
func verdictFor(v float64, t *domain.Threshold) domain.Verdict {
	if t == nil {
		return domain.VerdictUncertain
	}
	switch t.Direction {
	case domain.HigherBetter:
		switch {
		case v >= t.Warn:
			return domain.VerdictPass
		case v < t.Fail:
			return domain.VerdictFail
		default:
			return domain.VerdictWarning
		}
	case domain.LowerBetter:
		switch {
		case v <= t.Warn:
			return domain.VerdictPass
		case v > t.Fail:
			return domain.VerdictFail
		default:
			return domain.VerdictWarning
		}
	}
	return domain.VerdictUncertain
}

func verdictScore(v domain.Verdict) float64 {
	switch v {
	case domain.VerdictPass:
		return scorePass
	case domain.VerdictWarning:
		return scoreWarning
	default:
		return scoreFail
	}
}

// overallVerdict applies the ordered overall rules: any fail wins; with no
// concrete verdict at all the result is uncertain; too many warnings or a
// low composite demote to warning; otherwise pass.
func overallVerdict(tally domain.VerdictTally, concrete int, composite float64) domain.Verdict {
	switch {
	case tally.Fail > 0:
		return domain.VerdictFail
	case concrete == 0:
		return domain.VerdictUncertain
	case float64(tally.Warning)/float64(concrete) >= warningOverallFraction:
		return domain.VerdictWarning
	case composite < compositeWarningFloor:
		return domain.VerdictWarning
	default:
		return domain.VerdictPass
	}
}

// confidence is the fraction of assessed metrics with a concrete verdict,
// attenuated by extremeness when a normalized view exists.
func (a *Assessor) confidence(concrete, total int, normalized *domain.NormalizedMetrics) float64 {
	if total == 0 {
		return 0
	}
	conf := float64(concrete) / float64(total)
	if normalized != nil {
		maxZ := normalized.MaxAbsZ()
		if len(normalized.ExtremeMetrics) > 0 {
			maxZ = zExtremeCap
		}
		conf *= 1 - clamp(maxZ/zAttenuationScale, 0, 1)
	}
	return clamp(conf, 0, 1)
}

func (a *Assessor) weightFor(metric string) float64 {
	if a.weights == nil {
		return 1
	}
	w, ok := a.weights[metric]
	if !ok {
		return 1
	}
	return w
}

// Flag vocabulary. Flags are emitted in this fixed order so identical
// assessments compare equal.
const (
	FlagNotNormalized = "not_normalized"
	FlagLowSignal     = "low_signal"
	FlagHighMotion    = "high_motion"
	FlagArtifactRisk  = "artifact_risk"
	FlagExtremeValues = "extreme_values"
	FlagNoPolicy      = "no_policy"
)

var (
	signalMetrics = map[domain.MetricID]bool{
		domain.MetricSNR: true,
		domain.MetricCNR: true,
	}
	motionMetrics = map[domain.MetricID]bool{
		domain.MetricDVARS:  true,
		domain.MetricFDMean: true,
		domain.MetricFDNum:  true,
		domain.MetricFDPerc: true,
	}
	artifactMetrics = map[domain.MetricID]bool{
		domain.MetricEFC:             true,
		domain.MetricQI1:             true,
		domain.MetricQI2:             true,
		domain.MetricCJV:             true,
		domain.MetricGCor:            true,
		domain.MetricGSRX:            true,
		domain.MetricGSRY:            true,
		domain.MetricOutlierFraction: true,
	}
)

func buildFlags(in AssessmentInput, fails, uncertains []domain.MetricID) []string {
	var flags []string

	if in.Normalized == nil {
		flags = append(flags, FlagNotNormalized)
	}

	var signal, motion, artifact bool
	for _, id := range fails {
		signal = signal || signalMetrics[id]
		motion = motion || motionMetrics[id]
		artifact = artifact || artifactMetrics[id]
	}
	if signal {
		flags = append(flags, FlagLowSignal)
	}
	if motion {
		flags = append(flags, FlagHighMotion)
	}
	if artifact {
		flags = append(flags, FlagArtifactRisk)
	}

	if in.Normalized != nil &&
		(in.Normalized.MaxAbsZ() > zAttenuationScale || len(in.Normalized.ExtremeMetrics) > 0) {
		flags = append(flags, FlagExtremeValues)
	}
	if len(uncertains) > 0 {
		flags = append(flags, FlagNoPolicy)
	}

	return flags
}

// buildRecommendations renders the human-readable findings. Rules run in a
// fixed order, and within each rule metrics appear in vocabulary order, so
// output is deterministic.
func buildRecommendations(in AssessmentInput, fails, warns []domain.MetricID, concrete int) []string {
	var recs []string

	for _, id := range fails {
		d := domain.MetricByID(id)
		if d.Direction == domain.HigherBetter {
			recs = append(recs, fmt.Sprintf("%s below age-matched floor", d.Label))
		} else {
			recs = append(recs, fmt.Sprintf("%s above age-matched ceiling", d.Label))
		}
	}
	for _, id := range warns {
		d := domain.MetricByID(id)
		recs = append(recs, fmt.Sprintf("%s within warning band of age-matched norms", d.Label))
	}

	if in.Normalized != nil {
		for _, name := range in.Normalized.ExtremeMetrics {
			recs = append(recs, fmt.Sprintf("%s: value extreme; verify unit", name))
		}
		for _, d := range domain.Vocabulary() {
			e, ok := in.Normalized.Entry(d.Name)
			if !ok {
				continue
			}
			z := e.ZScore
			if z < 0 {
				z = -z
			}
			if z > zAttenuationScale {
				recs = append(recs, fmt.Sprintf("%s deviates more than 10 sd from age-matched norms; verify acquisition", d.Name))
			}
		}
	}

	if concrete == 0 {
		recs = append(recs, "no threshold policy applies; verdicts are uncertain")
	}
	if in.Normalized == nil {
		recs = append(recs, "age unavailable or outside normative range; values not age-normalized")
	}

	return recs
}
