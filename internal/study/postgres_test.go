package study

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing()
	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStore_RequiresConnection(t *testing.T) {
	_, err := NewPostgresStore(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connection is required")
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	cfg := sampleStudy("dev-cohort")

	mock.ExpectQuery(`SELECT id FROM studies WHERE study_name = \$1`).
		WithArgs("dev-cohort").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO studies`).
		WithArgs("dev-cohort", "builtin-v1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "qc-admin", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	err := store.Create(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ID)
	assert.False(t, cfg.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id FROM studies WHERE study_name = \$1`).
		WithArgs("dev-cohort").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	err := store.Create(context.Background(), sampleStudy("dev-cohort"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateValidationShortCircuits(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.Create(context.Background(), &domain.StudyConfiguration{})
	require.Error(t, err)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid configuration should not reach the database")
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "study_name", "normative_dataset",
		"custom_age_groups", "custom_thresholds", "exclusion_criteria",
		"created_by", "created_at", "updated_at",
	}).AddRow(
		int64(1), "dev-cohort", "builtin-v1",
		[]byte(`[{"name":"younger","min_age":5,"max_age":12}]`),
		[]byte(`[]`),
		[]byte(`["motion_artifact"]`),
		"qc-admin", now, now,
	)
	mock.ExpectQuery(`SELECT id, study_name, normative_dataset`).
		WithArgs("dev-cohort").
		WillReturnRows(rows)

	cfg, err := store.Get(context.Background(), "dev-cohort")
	require.NoError(t, err)
	assert.Equal(t, "dev-cohort", cfg.StudyName)
	require.Len(t, cfg.CustomAgeGroups, 1)
	assert.Equal(t, "younger", cfg.CustomAgeGroups[0].Name)
	assert.Nil(t, cfg.CustomThresholds)
	assert.Equal(t, []string{"motion_artifact"}, cfg.ExclusionCriteria)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, study_name, normative_dataset`).
		WithArgs("nonexistent").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE studies SET`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	err := store.Update(context.Background(), sampleStudy("nonexistent"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM studies WHERE study_name = \$1`).
		WithArgs("nonexistent").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// getPostgresTestDB returns a live database connection for integration tests.
// Skip when TEST_DATABASE_URL is not set.
func getPostgresTestDB(t *testing.T) *sql.DB {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS studies (
			id BIGSERIAL PRIMARY KEY,
			study_name TEXT NOT NULL UNIQUE,
			normative_dataset TEXT NOT NULL DEFAULT '',
			custom_age_groups JSONB NOT NULL DEFAULT '[]',
			custom_thresholds JSONB NOT NULL DEFAULT '[]',
			exclusion_criteria JSONB NOT NULL DEFAULT '[]',
			created_by TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	require.NoError(t, err)

	_, err = db.Exec("DELETE FROM studies")
	require.NoError(t, err)

	return db
}

func TestPostgresStoreIntegration_CRUD(t *testing.T) {
	db := getPostgresTestDB(t)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	cfg := sampleStudy("dev-cohort")

	require.NoError(t, store.Create(ctx, cfg))
	assert.NotZero(t, cfg.ID)

	err = store.Create(ctx, sampleStudy("dev-cohort"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	retrieved, err := store.Get(ctx, "dev-cohort")
	require.NoError(t, err)
	assert.Equal(t, cfg.CustomAgeGroups, retrieved.CustomAgeGroups)
	assert.Equal(t, cfg.CustomThresholds, retrieved.CustomThresholds)

	retrieved.NormativeDataset = "site-norms-2026"
	require.NoError(t, store.Update(ctx, retrieved))

	updated, err := store.Get(ctx, "dev-cohort")
	require.NoError(t, err)
	assert.Equal(t, "site-norms-2026", updated.NormativeDataset)

	require.NoError(t, store.Delete(ctx, "dev-cohort"))
	_, err = store.Get(ctx, "dev-cohort")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresStoreIntegration_List(t *testing.T) {
	db := getPostgresTestDB(t)
	defer db.Close()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	for _, name := range []string{"gamma", "alpha", "beta"} {
		require.NoError(t, store.Create(ctx, sampleStudy(name)))
	}

	all, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].StudyName)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
