package service

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
)

// RowOptions select the pipeline stages and the study context for a row.
type RowOptions struct {
	ApplyNormalization bool
	ApplyAssessment    bool
	Study              *domain.StudyConfiguration
	Overrides          []domain.Threshold
}

// Pipeline composes the per-row stages: classify the age, normalize the
// metrics, resolve the threshold policy, and assess. It holds no per-row
// state; the batch orchestrator calls ProcessRow from many workers at once.
type Pipeline struct {
	classifier *AgeClassifier
	normalizer *Normalizer
	resolver   *ThresholdResolver
	assessor   *Assessor
	version    string
	logger     *logrus.Logger
}

// NewPipeline creates a row pipeline from its stages. version is stamped
// onto every ProcessedSubject.
func NewPipeline(
	classifier *AgeClassifier,
	normalizer *Normalizer,
	resolver *ThresholdResolver,
	assessor *Assessor,
	version string,
	logger *logrus.Logger,
) *Pipeline {
	return &Pipeline{
		classifier: classifier,
		normalizer: normalizer,
		resolver:   resolver,
		assessor:   assessor,
		version:    version,
		logger:     logger,
	}
}

// ProcessRow runs one validated row through the selected stages and packages
// the result. Rows without a classifiable age skip normalization and are
// assessed without a policy, which yields uncertain verdicts.
func (p *Pipeline) ProcessRow(subject domain.SubjectInfo, metrics *domain.Metrics, rowIndex int, opts RowOptions) *domain.ProcessedSubject {
	group, hasGroup := p.classifier.Classify(opts.Study, subject.Age)

	var normalized *domain.NormalizedMetrics
	if opts.ApplyNormalization && hasGroup {
		normalized = p.normalizer.normalizeInGroup(metrics, group.Name)
	}

	var assessment *domain.QualityAssessment
	if opts.ApplyAssessment {
		var table *domain.ThresholdTable
		if hasGroup {
			table = p.resolver.TableWithOverrides(opts.Study, opts.Overrides, group.Name)
		}
		assessment = p.assessor.Assess(AssessmentInput{
			Metrics:    metrics,
			Normalized: normalized,
			Table:      table,
		})
	}

	p.logger.WithFields(logrus.Fields{
		"subject_id": subject.SubjectID,
		"row_index":  rowIndex,
		"age_group":  group.Name,
	}).Debug("Row processed")

	return &domain.ProcessedSubject{
		Subject:           subject,
		RawMetrics:        metrics,
		Normalized:        normalized,
		Assessment:        assessment,
		RowIndex:          rowIndex,
		ProcessedAt:       time.Now().UTC(),
		ProcessingVersion: p.version,
	}
}
