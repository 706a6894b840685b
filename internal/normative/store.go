// Package normative holds the read-mostly reference data of the pipeline:
// age groups, normative distributions, and default thresholds. Reads are
// lock-free against an immutable snapshot; updates install a new snapshot
// atomically and bump a generation counter that downstream caches key on.
package normative

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
)

type key struct {
	ageGroup string
	metric   string
}

// Dataset is one immutable snapshot of the reference data. Build one with
// NewDataset and never mutate it after installing it into a Store.
type Dataset struct {
	Name       string
	ageGroups  []domain.AgeGroup
	normative  map[key]*domain.NormativeRecord
	thresholds map[key]*domain.Threshold
}

// NewDataset assembles and validates a snapshot. Age groups are stored
// sorted by minimum age; records referencing unknown age groups or metrics
// are rejected.
func NewDataset(name string, groups []domain.AgeGroup, records []domain.NormativeRecord, thresholds []domain.Threshold) (*Dataset, error) {
	if name == "" {
		return nil, domain.NewValidationError("name", "dataset name is required", nil)
	}
	if err := domain.ValidateAgeGroupSet(groups); err != nil {
		return nil, fmt.Errorf("age groups: %w", err)
	}

	sorted := make([]domain.AgeGroup, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAge < sorted[j].MinAge })

	groupNames := make(map[string]struct{}, len(sorted))
	for _, g := range sorted {
		groupNames[g.Name] = struct{}{}
	}

	ds := &Dataset{
		Name:       name,
		ageGroups:  sorted,
		normative:  make(map[key]*domain.NormativeRecord, len(records)),
		thresholds: make(map[key]*domain.Threshold, len(thresholds)),
	}

	for i := range records {
		r := records[i]
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("normative record %s/%s: %w", r.AgeGroup, r.Metric, err)
		}
		if _, ok := groupNames[r.AgeGroup]; !ok {
			return nil, domain.NewValidationError("age_group", "normative record references unknown age group", r.AgeGroup)
		}
		k := key{ageGroup: r.AgeGroup, metric: r.Metric}
		if _, dup := ds.normative[k]; dup {
			return nil, domain.NewValidationError("metric", fmt.Sprintf("duplicate normative record for %s/%s", r.AgeGroup, r.Metric), nil)
		}
		ds.normative[k] = &r
	}

	for i := range thresholds {
		t := thresholds[i]
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("threshold %s/%s: %w", t.AgeGroup, t.Metric, err)
		}
		if _, ok := groupNames[t.AgeGroup]; !ok {
			return nil, domain.NewValidationError("age_group", "threshold references unknown age group", t.AgeGroup)
		}
		k := key{ageGroup: t.AgeGroup, metric: t.Metric}
		if _, dup := ds.thresholds[k]; dup {
			return nil, domain.NewValidationError("metric", fmt.Sprintf("duplicate threshold for %s/%s", t.AgeGroup, t.Metric), nil)
		}
		ds.thresholds[k] = &t
	}

	return ds, nil
}

// AgeGroups returns the dataset's age groups ordered by minimum age.
func (d *Dataset) AgeGroups() []domain.AgeGroup {
	out := make([]domain.AgeGroup, len(d.ageGroups))
	copy(out, d.ageGroups)
	return out
}

// Normative returns the record for (metric, ageGroup), or nil.
func (d *Dataset) Normative(metric, ageGroup string) *domain.NormativeRecord {
	return d.normative[key{ageGroup: ageGroup, metric: metric}]
}

// Threshold returns the default threshold for (metric, ageGroup), or nil.
func (d *Dataset) Threshold(metric, ageGroup string) *domain.Threshold {
	return d.thresholds[key{ageGroup: ageGroup, metric: metric}]
}

// Store serves the active dataset. Absence of a record is never an error;
// lookups return nil and the caller encodes the missing-policy semantics.
type Store struct {
	current atomic.Pointer[Dataset]
	gen     atomic.Uint64
	log     *logrus.Logger
}

// NewStore creates a store pre-loaded with the built-in default dataset.
func NewStore(logger *logrus.Logger) *Store {
	s := &Store{log: logger}
	ds, err := NewDataset(DefaultDatasetName, DefaultAgeGroups(), DefaultRecords(), DefaultThresholds())
	if err != nil {
		// The built-in dataset is validated by tests; reaching this means
		// the binary itself is broken.
		panic(fmt.Sprintf("built-in normative dataset invalid: %v", err))
	}
	s.current.Store(ds)
	return s
}

// NewStoreFromFile creates a store loaded from a YAML dataset file.
func NewStoreFromFile(path string, logger *logrus.Logger) (*Store, error) {
	ds, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{log: logger}
	s.current.Store(ds)
	logger.WithFields(logrus.Fields{
		"dataset":    ds.Name,
		"age_groups": len(ds.ageGroups),
		"records":    len(ds.normative),
		"thresholds": len(ds.thresholds),
	}).Info("Normative dataset loaded")
	return s, nil
}

// Install atomically replaces the active dataset and bumps the generation.
func (s *Store) Install(ds *Dataset) {
	s.current.Store(ds)
	gen := s.gen.Add(1)
	if s.log != nil {
		s.log.WithFields(logrus.Fields{
			"dataset":    ds.Name,
			"generation": gen,
		}).Info("Normative dataset installed")
	}
}

// Generation returns the snapshot generation. Caches keyed on it are
// invalidated by any Install.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Dataset returns the active snapshot.
func (s *Store) Dataset() *Dataset {
	return s.current.Load()
}

// AgeGroups returns the default age groups ordered by minimum age.
func (s *Store) AgeGroups() []domain.AgeGroup {
	return s.current.Load().AgeGroups()
}

// Normative returns the record for (metric, ageGroup), or nil.
func (s *Store) Normative(metric, ageGroup string) *domain.NormativeRecord {
	return s.current.Load().Normative(metric, ageGroup)
}

// Threshold returns the default threshold for (metric, ageGroup), or nil.
func (s *Store) Threshold(metric, ageGroup string) *domain.Threshold {
	return s.current.Load().Threshold(metric, ageGroup)
}

// EffectiveAgeGroups resolves the age-group set for a study: the study's
// custom groups when it defines any, else the dataset defaults. The result
// is ordered by minimum age.
func (s *Store) EffectiveAgeGroups(study *domain.StudyConfiguration) []domain.AgeGroup {
	if study != nil && len(study.CustomAgeGroups) > 0 {
		out := make([]domain.AgeGroup, len(study.CustomAgeGroups))
		copy(out, study.CustomAgeGroups)
		sort.Slice(out, func(i, j int) bool { return out[i].MinAge < out[j].MinAge })
		return out
	}
	return s.AgeGroups()
}

// EffectiveThreshold resolves the threshold policy for a study: the study's
// custom threshold for (metric, ageGroup) when defined, else the dataset
// default, else nil.
func (s *Store) EffectiveThreshold(study *domain.StudyConfiguration, metric, ageGroup string) *domain.Threshold {
	if study != nil {
		for i := range study.CustomThresholds {
			t := &study.CustomThresholds[i]
			if t.Metric == metric && t.AgeGroup == ageGroup {
				return t
			}
		}
	}
	return s.Threshold(metric, ageGroup)
}
