// Package service implements the per-row processing stages of the QC
// normalization pipeline: age classification, metric normalization,
// threshold resolution, and quality assessment.
package service

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/normative"
)

// classifierCacheSize bounds the (age → group) memo. Ages repeat heavily
// within a study, so a few thousand entries cover typical batches.
const classifierCacheSize = 4096

// AgeClassifier maps a subject age onto the study's effective age-group set.
// Lookups are memoized in an LRU cache keyed on the normative store
// generation and the study revision, so dataset installs and study updates
// invalidate naturally.
type AgeClassifier struct {
	norms  *normative.Store
	cache  *lru.Cache
	logger *logrus.Logger
}

// NewAgeClassifier creates a new age classifier backed by the normative store.
func NewAgeClassifier(norms *normative.Store, logger *logrus.Logger) (*AgeClassifier, error) {
	cache, err := lru.New(classifierCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create age group cache: %w", err)
	}
	return &AgeClassifier{norms: norms, cache: cache, logger: logger}, nil
}

// Classify returns the effective age group containing age. The second return
// is false when age is absent, outside the plausible range, or no group
// contains it; callers then skip normalization and assess without a policy.
func (c *AgeClassifier) Classify(study *domain.StudyConfiguration, age *float64) (domain.AgeGroup, bool) {
	if age == nil || *age < 0 || *age > 120 {
		return domain.AgeGroup{}, false
	}

	key := c.cacheKey(study, *age)
	if v, ok := c.cache.Get(key); ok {
		group := v.(domain.AgeGroup)
		return group, group.Name != ""
	}

	group, ok := ClassifyInGroups(c.norms.EffectiveAgeGroups(study), *age)
	// Negative results are cached as the zero group.
	c.cache.Add(key, group)

	if !ok {
		c.logger.WithField("age", *age).Debug("Age outside all effective age groups")
	}
	return group, ok
}

// ClassifyInGroups returns the group of groups containing age. Assumes the
// set is non-overlapping, so the first hit is the unique one.
func ClassifyInGroups(groups []domain.AgeGroup, age float64) (domain.AgeGroup, bool) {
	for _, g := range groups {
		if g.Contains(age) {
			return g, true
		}
	}
	return domain.AgeGroup{}, false
}

// cacheKey encodes everything the classification depends on. The age is
// formatted at full precision; rounding would alias distinct ages across a
// group boundary.
func (c *AgeClassifier) cacheKey(study *domain.StudyConfiguration, age float64) string {
	studyKey := "-"
	if study != nil && len(study.CustomAgeGroups) > 0 {
		studyKey = study.StudyName + "@" + strconv.FormatInt(study.UpdatedAt.UnixNano(), 10)
	}
	return strconv.FormatUint(c.norms.Generation(), 10) + "|" +
		studyKey + "|" +
		strconv.FormatFloat(age, 'g', -1, 64)
}
