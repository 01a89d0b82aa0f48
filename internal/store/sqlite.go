package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kiranshivaraju/consentlens/pkg/models"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// timeLayout is fixed-width so that stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Consent records ---

func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) (string, error) {
	id := uuid.NewString()
	now := formatTime(time.Now())
	sourceURL, sourceType := sourceFields(run.Source)

	categories, err := json.Marshal(models.Tally(run.Items))
	if err != nil {
		return "", fmt.Errorf("marshal categories: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO consent_records (id, source_url, source_type, job_id, total_items, categories, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'completed', ?)`,
		id, sourceURL, sourceType, run.JobID, len(run.Items), string(categories), now); err != nil {
		return "", fmt.Errorf("insert consent record: %w", err)
	}

	for i, item := range run.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clause_records (id, consent_id, position, text, category, confidence, element_type, is_interactive, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), id, i, item.Text, item.Category, item.Confidence,
			elementType(item), interactive(item), now); err != nil {
			return "", fmt.Errorf("insert clause record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetConsentRecord(ctx context.Context, id string) (*models.ConsentRecord, error) {
	var (
		r          models.ConsentRecord
		jobID      sql.NullString
		categories string
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_url, source_type, job_id, total_items, categories, status, created_at
		 FROM consent_records WHERE id = ?`, id,
	).Scan(&r.ID, &r.SourceURL, &r.SourceType, &jobID, &r.TotalItems, &categories, &r.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent record: %w", err)
	}
	r.JobID = nullString(jobID)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(categories), &r.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, consent_id, position, text, category, confidence, element_type, is_interactive, created_at
		 FROM clause_records WHERE consent_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list clause records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c       models.ClauseRecord
			created string
		)
		if err := rows.Scan(&c.ID, &c.ConsentID, &c.Position, &c.Text, &c.Category, &c.Confidence,
			&c.ElementType, &c.IsInteractive, &created); err != nil {
			return nil, fmt.Errorf("scan clause record: %w", err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		r.Clauses = append(r.Clauses, c)
	}
	return &r, rows.Err()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_records (id, source_url, status, output_format, priority, user_agent, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceURL, job.Status, job.OutputFormat, job.Priority, job.UserAgent, job.IPAddress,
		formatTime(job.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var (
		j                         models.Job
		consentID, result, errMsg sql.NullString
		ua, ip                    sql.NullString
		startedAt, finishedAt     sql.NullString
		createdAt                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, consent_record_id, source_url, status, output_format, priority, result_data, error_message,
		        retry_count, user_agent, ip_address, created_at, started_at, finished_at
		 FROM job_records WHERE id = ?`, id,
	).Scan(&j.ID, &consentID, &j.SourceURL, &j.Status, &j.OutputFormat, &j.Priority, &result, &errMsg,
		&j.RetryCount, &ua, &ip, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.ConsentRecordID = nullString(consentID)
	j.ErrorMessage = nullString(errMsg)
	j.UserAgent = nullString(ua)
	j.IPAddress = nullString(ip)
	if result.Valid {
		j.ResultData = json.RawMessage(result.String)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM job_records WHERE id = ?`, id).Scan(&currentStatus)
	if errors.Is(err, sql.ErrNoRows) {
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

	now := formatTime(time.Now())
	var (
		sets []string
		args []any
	)
	if params.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *params.Status)
		if *params.Status == models.JobStatusStarted {
			sets = append(sets, "started_at = COALESCE(started_at, ?)")
			args = append(args, now)
		}
		if models.IsTerminal(*params.Status) {
			sets = append(sets, "finished_at = COALESCE(finished_at, ?)")
			args = append(args, now)
		}
	}
	if params.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *params.ErrorMessage)
	}
	if params.ConsentRecordID != nil {
		sets = append(sets, "consent_record_id = ?")
		args = append(args, *params.ConsentRecordID)
	}
	if params.ResultData != nil {
		sets = append(sets, "result_data = ?")
		args = append(args, string(params.ResultData))
	}
	if params.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *params.RetryCount)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE job_records SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_records WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
