package service

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/normative"
)

// resolverCacheSize bounds the per-(study, age group) table memo.
const resolverCacheSize = 512

// ThresholdResolver produces the effective threshold policy for a study.
// Per-metric resolution is custom-if-defined, else dataset default, else nil;
// consumers treat nil as "no policy" and record an uncertain verdict. Dense
// tables are memoized per (generation, study revision, age group).
type ThresholdResolver struct {
	norms  *normative.Store
	cache  *lru.Cache[string, *domain.ThresholdTable]
	logger *logrus.Logger
}

// NewThresholdResolver creates a new threshold resolver backed by the
// normative store.
func NewThresholdResolver(norms *normative.Store, logger *logrus.Logger) (*ThresholdResolver, error) {
	cache, err := lru.New[string, *domain.ThresholdTable](resolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create threshold table cache: %w", err)
	}
	return &ThresholdResolver{norms: norms, cache: cache, logger: logger}, nil
}

// Resolve returns the effective threshold for one (metric, age group) pair,
// or nil when neither the study nor the dataset defines one.
func (r *ThresholdResolver) Resolve(study *domain.StudyConfiguration, metric, ageGroup string) *domain.Threshold {
	return r.norms.EffectiveThreshold(study, metric, ageGroup)
}

// Table returns the effective thresholds of the whole metric vocabulary for
// one age group, densely indexed by metric ID. The returned table is shared;
// callers must not mutate it.
func (r *ThresholdResolver) Table(study *domain.StudyConfiguration, ageGroup string) *domain.ThresholdTable {
	key := r.cacheKey(study, ageGroup)
	if table, ok := r.cache.Get(key); ok {
		return table
	}

	table := &domain.ThresholdTable{}
	for _, d := range domain.Vocabulary() {
		table[d.ID] = r.norms.EffectiveThreshold(study, d.Name, ageGroup)
	}
	r.cache.Add(key, table)

	r.logger.WithFields(logrus.Fields{
		"age_group": ageGroup,
		"study":     studyName(study),
	}).Debug("Threshold table resolved")
	return table
}

// TableWithOverrides returns the effective table for ageGroup with
// batch-level overrides applied on top. Overrides for other age groups are
// ignored. The result is a private copy when any override applies.
func (r *ThresholdResolver) TableWithOverrides(study *domain.StudyConfiguration, overrides []domain.Threshold, ageGroup string) *domain.ThresholdTable {
	table := r.Table(study, ageGroup)
	if len(overrides) == 0 {
		return table
	}

	patched := *table
	applied := false
	for i := range overrides {
		t := &overrides[i]
		if t.AgeGroup != ageGroup {
			continue
		}
		d, ok := domain.MetricByName(t.Metric)
		if !ok {
			continue
		}
		patched[d.ID] = t
		applied = true
	}
	if !applied {
		return table
	}
	return &patched
}

func (r *ThresholdResolver) cacheKey(study *domain.StudyConfiguration, ageGroup string) string {
	studyKey := "-"
	if study != nil && len(study.CustomThresholds) > 0 {
		studyKey = study.StudyName + "@" + strconv.FormatInt(study.UpdatedAt.UnixNano(), 10)
	}
	return strconv.FormatUint(r.norms.Generation(), 10) + "|" + studyKey + "|" + ageGroup
}

func studyName(study *domain.StudyConfiguration) string {
	if study == nil {
		return ""
	}
	return study.StudyName
}
