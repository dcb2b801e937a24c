package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
)

// SQLite persists jobs in a single database file. Writes are serialized on one
// connection, which is what makes the version check in CompareAndSwap atomic.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "transcriptions.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Ping verifies the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Create(ctx context.Context, job models.Job) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcription_jobs (`+jobColumns+`)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
	`, job.ID, job.MediaRef, job.CallbackURL, job.ExternalJobID, string(job.Status), job.RetryCount,
		utcOrNil(job.LastRetryAt), utcOrNil(job.SubmittedAt), utcOrNil(job.LeaseUntil), textOrNil(result),
		job.ErrorMessage, job.Version, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), utcOrNil(job.CompletedAt),
		utcOrNil(job.NextRetryAt))
	if isConstraintViolation(err) {
		return apperrors.Conflict("job", "job "+job.ID+" already exists")
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcription_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, apperrors.NotFound("job", id)
	}
	return job, err
}

func (s *SQLite) GetByExternalID(ctx context.Context, externalJobID string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcription_jobs WHERE external_job_id = ?`, externalJobID)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, apperrors.NotFound("external job", externalJobID)
	}
	return job, err
}

func (s *SQLite) CompareAndSwap(ctx context.Context, next models.Job, expectedVersion int64) (bool, error) {
	result, err := marshalResult(next.Result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET callback_url = NULLIF(?, ''), external_job_id = NULLIF(?, ''), status = ?, retry_count = ?,
			last_retry_at = ?, submitted_at = ?, lease_until = ?, result = ?,
			error_message = NULLIF(?, ''), completed_at = ?, updated_at = ?, next_retry_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, next.CallbackURL, next.ExternalJobID, string(next.Status), next.RetryCount,
		utcOrNil(next.LastRetryAt), utcOrNil(next.SubmittedAt), utcOrNil(next.LeaseUntil), textOrNil(result),
		next.ErrorMessage, utcOrNil(next.CompletedAt), next.UpdatedAt.UTC(), utcOrNil(next.NextRetryAt),
		next.ID, expectedVersion)
	if isConstraintViolation(err) {
		return false, apperrors.Conflict("job", "external job id "+next.ExternalJobID+" already assigned")
	}
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return aff == 1, nil
}

func (s *SQLite) ListByStatus(ctx context.Context, status models.Status, before time.Time, limit int) ([]models.Job, error) {
	col := enteredAtColumn(status)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM transcription_jobs
		WHERE status = ? AND `+col+` <= ?
		ORDER BY `+col+` ASC
		LIMIT ?
	`, string(status), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var callback, external, errMsg, result sql.NullString
	var lastRetry, nextRetry, submitted, lease, completed sql.NullTime
	var status string

	err := row.Scan(&job.ID, &job.MediaRef, &callback, &external, &status, &job.RetryCount, &lastRetry,
		&submitted, &lease, &result, &errMsg, &job.Version, &job.CreatedAt, &job.UpdatedAt, &completed, &nextRetry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.CallbackURL = callback.String
	job.ExternalJobID = external.String
	job.ErrorMessage = errMsg.String
	job.LastRetryAt = nullTimePtr(lastRetry)
	job.NextRetryAt = nullTimePtr(nextRetry)
	job.SubmittedAt = nullTimePtr(submitted)
	job.LeaseUntil = nullTimePtr(lease)
	job.CompletedAt = nullTimePtr(completed)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.Result, err = unmarshalResult([]byte(result.String)); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// utcOrNil normalizes timestamps so the text encoding sorts chronologically.
func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func textOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return models.TimePtr(t.Time)
}

var _ Store = (*SQLite)(nil)
