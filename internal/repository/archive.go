// Package repository persists terminal batch results to PostgreSQL. The
// in-memory results store stays authoritative for live batches; the archive
// is the durable copy that survives restarts.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
)

// ArchiveRepository writes archived batches and reads them back for
// inspection. It implements domain.BatchArchive.
type ArchiveRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewArchiveRepository creates a new archive repository.
func NewArchiveRepository(db *pgxpool.Pool, logger *logrus.Logger) *ArchiveRepository {
	return &ArchiveRepository{
		db:  db,
		log: logger,
	}
}

// ArchiveBatch writes the batch state and all result rows in one
// transaction. A batch id can only be archived once.
func (r *ArchiveRepository) ArchiveBatch(ctx context.Context, state *domain.BatchState, subjects []*domain.ProcessedSubject) error {
	if state == nil {
		return fmt.Errorf("batch state is required: %w", domain.ErrInvalidInput)
	}

	errorsJSON, err := json.Marshal(state.Errors)
	if err != nil {
		return fmt.Errorf("encoding batch errors: %w", err)
	}
	if string(errorsJSON) == "null" {
		errorsJSON = []byte("[]")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO archived_batches (
			batch_id, status, completed_rows, failed_rows, total_rows, percent,
			errors, created_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		state.BatchID,
		state.Status.String(),
		state.Progress.Completed,
		state.Progress.Failed,
		state.Progress.Total,
		state.Progress.Percent,
		errorsJSON,
		state.CreatedAt,
		state.StartedAt,
		state.CompletedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"batch_id": state.BatchID,
			"error":    err,
		}).Error("Failed to archive batch state")
		return fmt.Errorf("archiving batch state: %w", err)
	}

	batch := &pgx.Batch{}
	queued := 0
	for _, subject := range subjects {
		if subject == nil {
			continue
		}
		payload, err := json.Marshal(subject)
		if err != nil {
			return fmt.Errorf("encoding subject %s: %w", subject.Subject.SubjectID, err)
		}
		var verdict *string
		if subject.Assessment != nil {
			v := subject.Assessment.Overall.String()
			verdict = &v
		}
		batch.Queue(`
			INSERT INTO archived_subjects (
				batch_id, subject_id, row_index, overall_verdict, processed_at, payload
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			state.BatchID,
			subject.Subject.SubjectID,
			subject.RowIndex,
			verdict,
			subject.ProcessedAt,
			payload,
		)
		queued++
	}

	if queued > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < queued; i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				r.log.WithFields(logrus.Fields{
					"batch_id": state.BatchID,
					"error":    err,
				}).Error("Failed to archive subject rows")
				return fmt.Errorf("archiving subject rows: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("closing archive batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"batch_id": state.BatchID,
		"status":   state.Status.String(),
		"subjects": queued,
	}).Info("Batch archived")

	return nil
}

// GetBatch retrieves an archived batch state by id.
func (r *ArchiveRepository) GetBatch(ctx context.Context, batchID string) (*domain.BatchState, error) {
	query := `
		SELECT batch_id, status, completed_rows, failed_rows, total_rows, percent,
			   errors, created_at, started_at, completed_at
		FROM archived_batches
		WHERE batch_id = $1`

	state := &domain.BatchState{}
	var status string
	var errorsJSON []byte

	err := r.db.QueryRow(ctx, query, batchID).Scan(
		&state.BatchID,
		&status,
		&state.Progress.Completed,
		&state.Progress.Failed,
		&state.Progress.Total,
		&state.Progress.Percent,
		&errorsJSON,
		&state.CreatedAt,
		&state.StartedAt,
		&state.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("archived batch %s: %w", batchID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"batch_id": batchID,
			"error":    err,
		}).Error("Failed to get archived batch")
		return nil, fmt.Errorf("getting archived batch: %w", err)
	}

	state.Status = domain.BatchStatus(status)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &state.Errors); err != nil {
			return nil, fmt.Errorf("decoding batch errors: %w", err)
		}
	}

	return state, nil
}

// Subjects retrieves the archived result rows of a batch in row order.
func (r *ArchiveRepository) Subjects(ctx context.Context, batchID string) ([]*domain.ProcessedSubject, error) {
	rows, err := r.db.Query(ctx, `
		SELECT payload
		FROM archived_subjects
		WHERE batch_id = $1
		ORDER BY row_index`,
		batchID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"batch_id": batchID,
			"error":    err,
		}).Error("Failed to query archived subjects")
		return nil, fmt.Errorf("querying archived subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*domain.ProcessedSubject
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning subject row: %w", err)
		}
		subject := &domain.ProcessedSubject{}
		if err := json.Unmarshal(payload, subject); err != nil {
			return nil, fmt.Errorf("decoding subject payload: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subject rows: %w", err)
	}

	return subjects, nil
}

// RecentBatches lists archived batches newest first.
func (r *ArchiveRepository) RecentBatches(ctx context.Context, limit int) ([]*domain.BatchState, error) {
	rows, err := r.db.Query(ctx, `
		SELECT batch_id
		FROM archived_batches
		ORDER BY archived_at DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning batch id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch ids: %w", err)
	}

	states := make([]*domain.BatchState, 0, len(ids))
	for _, id := range ids {
		state, err := r.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// PurgeBefore deletes batches archived before the cutoff. Subject rows
// cascade. Returns the number of batches removed.
func (r *ArchiveRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, "DELETE FROM archived_batches WHERE archived_at < $1", cutoff)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cutoff": cutoff,
			"error":  err,
		}).Error("Failed to purge archived batches")
		return 0, fmt.Errorf("purging archived batches: %w", err)
	}

	purged := result.RowsAffected()
	if purged > 0 {
		r.log.WithFields(logrus.Fields{
			"cutoff": cutoff,
			"purged": purged,
		}).Info("Archived batches purged")
	}
	return purged, nil
}
