// Package study persists study configurations. Two backends implement the
// same contract: SQLite for standalone installs and PostgreSQL for shared
// deployments. Writes are validated in full before touching the database, so
// an invalid configuration leaves no partial state.
package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/neuroqc-norm-server/internal/domain"
)

// Store extends the domain contract with the maintenance operations the CLI
// exposes: counting, and JSON export/import for moving configurations
// between deployments.
type Store interface {
	domain.StudyStore

	// Count returns the total number of stored configurations.
	Count(ctx context.Context) (int64, error)

	// ExportJSON writes all configurations to writer as a versioned envelope.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON reads an export envelope and creates missing studies.
	// Studies whose name already exists are skipped, not overwritten.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)
}

// Export is the JSON export envelope.
type Export struct {
	Version    string                       `json:"version"`
	ExportedAt time.Time                    `json:"exported_at"`
	Count      int                          `json:"count"`
	Studies    []*domain.StudyConfiguration `json:"studies"`
}

const exportVersion = "1.0"

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// validateConfiguration checks everything a write must satisfy except name
// uniqueness, which only the backend can decide.
func validateConfiguration(cfg *domain.StudyConfiguration) error {
	if cfg == nil {
		return &domain.ValidationError{Field: "study", Message: "study configuration is required"}
	}
	if cfg.StudyName == "" {
		return &domain.ValidationError{Field: "study_name", Message: "study name is required"}
	}
	if len(cfg.CustomAgeGroups) > 0 {
		if err := domain.ValidateAgeGroupSet(cfg.CustomAgeGroups); err != nil {
			return err
		}
	}
	for i := range cfg.CustomThresholds {
		if err := cfg.CustomThresholds[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// exportAll writes every configuration in s to writer.
func exportAll(ctx context.Context, s Store, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("listing studies: %w", err)
	}

	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Studies:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// importAll reads an export envelope from reader and creates each study that
// does not already exist. IDs from the source deployment are discarded.
func importAll(ctx context.Context, s Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("decoding export: %w", err)
	}

	for _, cfg := range export.Studies {
		if cfg == nil {
			continue
		}
		cfg.ID = 0
		if err := s.Create(ctx, cfg); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				skipped++
				continue
			}
			return imported, skipped, fmt.Errorf("importing study %q: %w", cfg.StudyName, err)
		}
		imported++
	}

	return imported, skipped, nil
}

// encodeColumns marshals the slice-valued fields for storage. Nil slices
// are stored as empty JSON arrays so scans never produce nulls.
func encodeColumns(cfg *domain.StudyConfiguration) (groups, thresholds, exclusions []byte, err error) {
	groups, err = marshalOrEmpty(cfg.CustomAgeGroups)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding age groups: %w", err)
	}
	thresholds, err = marshalOrEmpty(cfg.CustomThresholds)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding thresholds: %w", err)
	}
	exclusions, err = marshalOrEmpty(cfg.ExclusionCriteria)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding exclusion criteria: %w", err)
	}
	return groups, thresholds, exclusions, nil
}

func marshalOrEmpty(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("[]"), nil
	}
	return data, nil
}

// decodeColumns unmarshals the slice-valued fields back into cfg. Empty
// arrays decode to nil slices so stored and in-memory forms compare equal.
func decodeColumns(cfg *domain.StudyConfiguration, groups, thresholds, exclusions []byte) error {
	if len(groups) > 0 {
		if err := json.Unmarshal(groups, &cfg.CustomAgeGroups); err != nil {
			return fmt.Errorf("decoding age groups: %w", err)
		}
	}
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &cfg.CustomThresholds); err != nil {
			return fmt.Errorf("decoding thresholds: %w", err)
		}
	}
	if len(exclusions) > 0 {
		if err := json.Unmarshal(exclusions, &cfg.ExclusionCriteria); err != nil {
			return fmt.Errorf("decoding exclusion criteria: %w", err)
		}
	}
	if len(cfg.CustomAgeGroups) == 0 {
		cfg.CustomAgeGroups = nil
	}
	if len(cfg.CustomThresholds) == 0 {
		cfg.CustomThresholds = nil
	}
	if len(cfg.ExclusionCriteria) == 0 {
		cfg.ExclusionCriteria = nil
	}
	return nil
}
