package study

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/neuroqc-norm-server/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a SQLite study store. It creates the database file
// and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanStudy scans a row into a StudyConfiguration.
func scanStudy(s scanner) (*domain.StudyConfiguration, error) {
	cfg := &domain.StudyConfiguration{}
	var groups, thresholds, exclusions []byte

	err := s.Scan(
		&cfg.ID, &cfg.StudyName, &cfg.NormativeDataset,
		&groups, &thresholds, &exclusions,
		&cfg.CreatedBy, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeColumns(cfg, groups, thresholds, exclusions); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		study_name TEXT NOT NULL UNIQUE,
		normative_dataset TEXT NOT NULL DEFAULT '',
		custom_age_groups TEXT NOT NULL DEFAULT '[]',
		custom_thresholds TEXT NOT NULL DEFAULT '[]',
		exclusion_criteria TEXT NOT NULL DEFAULT '[]',
		created_by TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_studies_dataset ON studies(normative_dataset);
	`

	_, err := db.Exec(schema)
	return err
}

// Create stores a new study configuration.
func (s *SQLiteStore) Create(ctx context.Context, cfg *domain.StudyConfiguration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	var existingID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM studies WHERE study_name = ?", cfg.StudyName,
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
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO studies (
			study_name, normative_dataset,
			custom_age_groups, custom_thresholds, exclusion_criteria,
			created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cfg.StudyName,
		cfg.NormativeDataset,
		groups,
		thresholds,
		exclusions,
		cfg.CreatedBy,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	cfg.ID = id
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	return nil
}

// Get retrieves a study configuration by name.
func (s *SQLiteStore) Get(ctx context.Context, studyName string) (*domain.StudyConfiguration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, study_name, normative_dataset,
			custom_age_groups, custom_thresholds, exclusion_criteria,
			created_by, created_at, updated_at
		FROM studies
		WHERE study_name = ?
	`, studyName)

	cfg, err := scanStudy(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("study %q: %w", studyName, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return cfg, nil
}

// List returns study configurations ordered by name, with pagination.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*domain.StudyConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, study_name, normative_dataset,
			custom_age_groups, custom_thresholds, exclusion_criteria,
			created_by, created_at, updated_at
		FROM studies
		ORDER BY study_name
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.StudyConfiguration
	for rows.Next() {
		cfg, err := scanStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

// Update rewrites an existing study configuration in place.
func (s *SQLiteStore) Update(ctx context.Context, cfg *domain.StudyConfiguration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	groups, thresholds, exclusions, err := encodeColumns(cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE studies SET
			normative_dataset = ?,
			custom_age_groups = ?,
			custom_thresholds = ?,
			exclusion_criteria = ?,
			created_by = ?,
			updated_at = ?
		WHERE study_name = ?
	`,
		cfg.NormativeDataset,
		groups,
		thresholds,
		exclusions,
		cfg.CreatedBy,
		now,
		cfg.StudyName,
	)
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("study %q: %w", cfg.StudyName, domain.ErrNotFound)
	}
	cfg.UpdatedAt = now

	return nil
}

// Delete removes a study configuration by name.
func (s *SQLiteStore) Delete(ctx context.Context, studyName string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM studies WHERE study_name = ?", studyName)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM studies").Scan(&count)
	return count, err
}

// ExportJSON exports all study configurations to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportAll(ctx, s, writer)
}

// ImportJSON imports study configurations from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importAll(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
