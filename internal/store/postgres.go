package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Consent records ---

func (s *PostgresStore) SaveRun(ctx context.Context, run RunRecord) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	sourceURL, sourceType := sourceFields(run.Source)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO consent_records (id, source_url, source_type, job_id, total_items, categories, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'completed', $7)`,
			id, sourceURL, sourceType, run.JobID, len(run.Items), models.Tally(run.Items), now)
		if err != nil {
			return fmt.Errorf("insert consent record: %w", err)
		}

		if len(run.Items) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, item := range run.Items {
			batch.Queue(
				`INSERT INTO clause_records (id, consent_id, position, text, category, confidence, element_type, is_interactive, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				uuid.NewString(), id, i, item.Text, item.Category, item.Confidence,
				elementType(item), interactive(item), now)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert clause records: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetConsentRecord(ctx context.Context, id string) (*models.ConsentRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var r models.ConsentRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_url, source_type, job_id, total_items, categories, status, created_at
		 FROM consent_records WHERE id = $1`, id,
	).Scan(&r.ID, &r.SourceURL, &r.SourceType, &r.JobID, &r.TotalItems, &r.Categories, &r.Status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent record: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, consent_id, position, text, category, confidence, element_type, is_interactive, created_at
		 FROM clause_records WHERE consent_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list clause records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.ClauseRecord
		if err := rows.Scan(&c.ID, &c.ConsentID, &c.Position, &c.Text, &c.Category, &c.Confidence,
			&c.ElementType, &c.IsInteractive, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clause record: %w", err)
		}
		r.Clauses = append(r.Clauses, c)
	}
	return &r, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_records (id, source_url, status, output_format, priority, user_agent, ip_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.SourceURL, job.Status, job.OutputFormat, job.Priority, job.UserAgent, job.IPAddress, job.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var (
		j      models.Job
		result []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, consent_record_id, source_url, status, output_format, priority, result_data, error_message,
		        retry_count, user_agent, ip_address, created_at, started_at, finished_at
		 FROM job_records WHERE id = $1`, id,
	).Scan(&j.ID, &j.ConsentRecordID, &j.SourceURL, &j.Status, &j.OutputFormat, &j.Priority, &result,
		&j.ErrorMessage, &j.RetryCount, &j.UserAgent, &j.IPAddress, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(result) > 0 {
		j.ResultData = result
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var currentStatus string
		err := tx.QueryRow(ctx, `SELECT status FROM job_records WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}

		if params.Status != nil {
			if err := checkTransition(currentStatus, *params.Status); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		var sets []string
		args := []any{id}
		set := func(expr string, v any) {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf(expr, len(args)))
		}

		if params.Status != nil {
			set("status = $%d", *params.Status)
			if *params.Status == models.JobStatusStarted {
				set("started_at = COALESCE(started_at, $%d)", now)
			}
			if models.IsTerminal(*params.Status) {
				set("finished_at = COALESCE(finished_at, $%d)", now)
			}
		}
		if params.ErrorMessage != nil {
			set("error_message = $%d", *params.ErrorMessage)
		}
		if params.ConsentRecordID != nil {
			set("consent_record_id = $%d", *params.ConsentRecordID)
		}
		if params.ResultData != nil {
			set("result_data = $%d", string(params.ResultData))
		}
		if params.RetryCount != nil {
			set("retry_count = $%d", *params.RetryCount)
		}
		if len(sets) == 0 {
			return nil
		}

		query := "UPDATE job_records SET " + strings.Join(sets, ", ") + " WHERE id = $1"
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func elementType(c models.ClassifiedClause) string {
	if c.Element == "" {
		return models.ElementUnknown
	}
	return c.Element
}

func interactive(c models.ClassifiedClause) string {
	return strings.ToLower(c.Type)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
