package normative

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/neuroqc-norm-server/internal/domain"
)

type datasetFile struct {
	Name      string           `yaml:"name"`
	AgeGroups []ageGroupEntry  `yaml:"age_groups"`
	Normative []recordEntry    `yaml:"normative"`
	Threshold []thresholdEntry `yaml:"thresholds"`
}

type ageGroupEntry struct {
	Name        string  `yaml:"name"`
	MinAge      float64 `yaml:"min_age"`
	MaxAge      float64 `yaml:"max_age"`
	Description string  `yaml:"description"`
}

type recordEntry struct {
	AgeGroup   string   `yaml:"age_group"`
	Metric     string   `yaml:"metric"`
	Mean       float64  `yaml:"mean"`
	SD         float64  `yaml:"sd"`
	P5         *float64 `yaml:"p5"`
	P25        *float64 `yaml:"p25"`
	P50        *float64 `yaml:"p50"`
	P75        *float64 `yaml:"p75"`
	P95        *float64 `yaml:"p95"`
	SampleSize int      `yaml:"sample_size"`
}

type thresholdEntry struct {
	AgeGroup  string  `yaml:"age_group"`
	Metric    string  `yaml:"metric"`
	Warn      float64 `yaml:"warn"`
	Fail      float64 `yaml:"fail"`
	Direction string  `yaml:"direction"`
}

// WriteFile serializes a dataset to a YAML file that LoadFile reads back.
// Entries are ordered by age group, then metric name.
func WriteFile(path string, ds *Dataset) error {
	file := datasetFile{Name: ds.Name}

	for _, g := range ds.ageGroups {
		file.AgeGroups = append(file.AgeGroups, ageGroupEntry{
			Name:        g.Name,
			MinAge:      g.MinAge,
			MaxAge:      g.MaxAge,
			Description: g.Description,
		})
	}

	for _, g := range ds.ageGroups {
		for _, metric := range sortedMetrics(g.Name, ds) {
			k := key{ageGroup: g.Name, metric: metric}
			if r, ok := ds.normative[k]; ok {
				file.Normative = append(file.Normative, recordEntry{
					AgeGroup:   r.AgeGroup,
					Metric:     r.Metric,
					Mean:       r.Mean,
					SD:         r.SD,
					P5:         r.P5,
					P25:        r.P25,
					P50:        r.P50,
					P75:        r.P75,
					P95:        r.P95,
					SampleSize: r.SampleSize,
				})
			}
			if t, ok := ds.thresholds[k]; ok {
				file.Threshold = append(file.Threshold, thresholdEntry{
					AgeGroup:  t.AgeGroup,
					Metric:    t.Metric,
					Warn:      t.Warn,
					Fail:      t.Fail,
					Direction: string(t.Direction),
				})
			}
		}
	}

	raw, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write dataset file: %w", err)
	}
	return nil
}

// sortedMetrics lists every metric that has a record or threshold for the
// group, sorted by name.
func sortedMetrics(group string, ds *Dataset) []string {
	seen := make(map[string]struct{})
	for k := range ds.normative {
		if k.ageGroup == group {
			seen[k.metric] = struct{}{}
		}
	}
	for k := range ds.thresholds {
		if k.ageGroup == group {
			seen[k.metric] = struct{}{}
		}
	}
	metrics := make([]string, 0, len(seen))
	for m := range seen {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return metrics
}

// LoadFile parses a normative dataset definition from a YAML file and
// validates it into an immutable Dataset.
func LoadFile(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var file datasetFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse dataset file: %w", err)
	}
	if file.Name == "" {
		return nil, fmt.Errorf("dataset file %s: missing name", path)
	}
	if len(file.AgeGroups) == 0 {
		return nil, fmt.Errorf("dataset file %s: no age groups defined", path)
	}

	groups := make([]domain.AgeGroup, 0, len(file.AgeGroups))
	for _, g := range file.AgeGroups {
		groups = append(groups, domain.AgeGroup{
			Name:        g.Name,
			MinAge:      g.MinAge,
			MaxAge:      g.MaxAge,
			Description: g.Description,
		})
	}

	records := make([]domain.NormativeRecord, 0, len(file.Normative))
	for _, r := range file.Normative {
		records = append(records, domain.NormativeRecord{
			AgeGroup:   r.AgeGroup,
			Metric:     r.Metric,
			Mean:       r.Mean,
			SD:         r.SD,
			P5:         r.P5,
			P25:        r.P25,
			P50:        r.P50,
			P75:        r.P75,
			P95:        r.P95,
			SampleSize: r.SampleSize,
		})
	}

	thresholds := make([]domain.Threshold, 0, len(file.Threshold))
	for _, t := range file.Threshold {
		dir := domain.Direction(t.Direction)
		thresholds = append(thresholds, domain.Threshold{
			Metric:    t.Metric,
			AgeGroup:  t.AgeGroup,
			Warn:      t.Warn,
			Fail:      t.Fail,
			Direction: dir,
		})
	}

	ds, err := NewDataset(file.Name, groups, records, thresholds)
	if err != nil {
		return nil, fmt.Errorf("dataset file %s: %w", path, err)
	}
	return ds, nil
}
