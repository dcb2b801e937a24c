package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
)

const jobColumns = `id, media_ref, callback_url, external_job_id, status, retry_count, last_retry_at,
	submitted_at, lease_until, result, error_message, version, created_at, updated_at, completed_at, next_retry_at`

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// Ping verifies the pool can reach the database.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Create(ctx context.Context, job models.Job) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transcription_jobs (`+jobColumns+`)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15, $16)
	`, job.ID, job.MediaRef, job.CallbackURL, job.ExternalJobID, string(job.Status), job.RetryCount,
		job.LastRetryAt, job.SubmittedAt, job.LeaseUntil, result, job.ErrorMessage, job.Version,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt, job.NextRetryAt)
	if isUniqueViolation(err) {
		return apperrors.Conflict("job", "job "+job.ID+" already exists")
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperrors.NotFound("job", id)
	}
	return job, err
}

func (s *Postgres) GetByExternalID(ctx context.Context, externalJobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcription_jobs WHERE external_job_id = $1`, externalJobID)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperrors.NotFound("external job", externalJobID)
	}
	return job, err
}

func (s *Postgres) CompareAndSwap(ctx context.Context, next models.Job, expectedVersion int64) (bool, error) {
	result, err := marshalResult(next.Result)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET callback_url = NULLIF($3, ''), external_job_id = NULLIF($4, ''), status = $5, retry_count = $6,
			last_retry_at = $7, submitted_at = $8, lease_until = $9, result = $10,
			error_message = NULLIF($11, ''), completed_at = $12, updated_at = $13, next_retry_at = $14,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, next.ID, expectedVersion, next.CallbackURL, next.ExternalJobID, string(next.Status), next.RetryCount,
		next.LastRetryAt, next.SubmittedAt, next.LeaseUntil, result, next.ErrorMessage, next.CompletedAt, next.UpdatedAt,
		next.NextRetryAt)
	if isUniqueViolation(err) {
		return false, apperrors.Conflict("job", "external job id "+next.ExternalJobID+" already assigned")
	}
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, before time.Time, limit int) ([]models.Job, error) {
	col := enteredAtColumn(status)
	// LIMIT NULL is no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM transcription_jobs
		WHERE status = $1 AND `+col+` <= $2
		ORDER BY `+col+` ASC
		LIMIT $3
	`, string(status), before, lim)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
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

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var callback, external, errMsg pgtype.Text
	var status string
	var result []byte

	err := row.Scan(&job.ID, &job.MediaRef, &callback, &external, &status, &job.RetryCount, &job.LastRetryAt,
		&job.SubmittedAt, &job.LeaseUntil, &result, &errMsg, &job.Version, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt, &job.NextRetryAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.CallbackURL = callback.String
	job.ExternalJobID = external.String
	job.ErrorMessage = errMsg.String
	if job.Result, err = unmarshalResult(result); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalResult(r *models.Result) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func unmarshalResult(b []byte) (*models.Result, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var r models.Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}

var _ Store = (*Postgres)(nil)
