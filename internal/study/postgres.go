package study

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/neuroqc-norm-server/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection. It expects the schema to
// already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a PostgreSQL study store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Create stores a new study configuration.
func (s *PostgresStore) Create(ctx context.Context, cfg *domain.StudyConfiguration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	var existingID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM studies WHERE study_name = $1", cfg.StudyName,
	).Scan(&existingID)
	if err == nil {
		return fmt.Errorf("study %q: %w", cfg.StudyName, domain.ErrAlreadyExists)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	groups, thresholds, exclusions, err := encodeColumns(cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO studies (
			study_name, normative_dataset,
			custom_age_groups, custom_thresholds, exclusion_criteria,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		cfg.StudyName,
		cfg.NormativeDataset,
		groups,
		thresholds,
		exclusions,
		cfg.CreatedBy,
		now,
		now,
	).Scan(&cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

// Get retrieves a study configuration by name.
func (s *PostgresStore) Get(ctx context.Context, studyName string) (*domain.StudyConfiguration, error) {
	query := `
		SELECT id, study_name, normative_dataset,
			custom_age_groups, custom_thresholds, exclusion_criteria,
			created_by, created_at, updated_at
		FROM studies
		WHERE study_name = $1
	`

	cfg := &domain.StudyConfiguration{}
	var groups, thresholds, exclusions []byte

	err := s.db.QueryRowContext(ctx, query, studyName).Scan(
		&cfg.ID, &cfg.StudyName, &cfg.NormativeDataset,
		&groups, &thresholds, &exclusions,
		&cfg.CreatedBy, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("study %q: %w", studyName, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study: %w", err)
	}

	if err := decodeColumns(cfg, groups, thresholds, exclusions); err != nil {
		return nil, err
	}
	return cfg, nil
}

// List returns study configurations ordered by name, with pagination.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.StudyConfiguration, error) {
	query := `
		SELECT id, study_name, normative_dataset,
			custom_age_groups, custom_thresholds, exclusion_criteria,
			created_by, created_at, updated_at
		FROM studies
		ORDER BY study_name
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list studies: %w", err)
	}
	defer rows.Close()

	var result []*domain.StudyConfiguration
	for rows.Next() {
		cfg := &domain.StudyConfiguration{}
		var groups, thresholds, exclusions []byte

		err := rows.Scan(
			&cfg.ID, &cfg.StudyName, &cfg.NormativeDataset,
			&groups, &thresholds, &exclusions,
			&cfg.CreatedBy, &cfg.CreatedAt, &cfg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if err := decodeColumns(cfg, groups, thresholds, exclusions); err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}

	return result, rows.Err()
}

// Update rewrites an existing study configuration in place.
func (s *PostgresStore) Update(ctx context.Context, cfg *domain.StudyConfiguration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	groups, thresholds, exclusions, err := encodeColumns(cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE studies SET
			normative_dataset = $1,
			custom_age_groups = $2,
			custom_thresholds = $3,
			exclusion_criteria = $4,
			created_by = $5,
			updated_at = $6
		WHERE study_name = $7
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		cfg.NormativeDataset,
		groups,
		thresholds,
		exclusions,
		cfg.CreatedBy,
		now,
		cfg.StudyName,
	).Scan(&cfg.ID, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("study %q: %w", cfg.StudyName, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}

	cfg.UpdatedAt = now
	return nil
}

// Delete removes a study configuration by name.
func (s *PostgresStore) Delete(ctx context.Context, studyName string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM studies WHERE study_name = $1", studyName)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("study %q: %w", studyName, domain.ErrNotFound)
	}
	return nil
}

// Count returns the total number of study configurations.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM studies").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count studies: %w", err)
	}
	return count, nil
}

// ExportJSON exports all study configurations to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportAll(ctx, s, writer)
}

// ImportJSON imports study configurations from a JSON reader.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importAll(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
