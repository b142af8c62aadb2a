package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/ingest/internal/ingest"
)

// Postgres stores job records in the ingest_jobs table and batch-imported
// records in ingest_records. Every counter mutation is a single UPDATE
// statement, so concurrent partition workers increment without a
// read-modify-write race; status transitions carry their guard in the
// WHERE clause, making monotonicity atomic as well.
type Postgres struct {
	pool     *pgxpool.Pool
	errorCap int
}

// NewPostgres creates a store on top of an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, errorCap: DefaultErrorCap}
}

// Migrate creates the store's tables when they do not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate job store: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ingest_jobs (
	job_id               text PRIMARY KEY,
	tenant_id            text NOT NULL,
	workspace_id         text NOT NULL,
	file_path            text NOT NULL,
	file_name            text NOT NULL,
	file_size            bigint NOT NULL DEFAULT 0,
	status               text NOT NULL,
	progress             jsonb NOT NULL DEFAULT '{}'::jsonb,
	total_rows           integer NOT NULL DEFAULT 0,
	valid_rows           integer NOT NULL DEFAULT 0,
	invalid_rows         integer NOT NULL DEFAULT 0,
	blocked_rows         integer NOT NULL DEFAULT 0,
	warnings             integer NOT NULL DEFAULT 0,
	errors               jsonb NOT NULL DEFAULT '[]'::jsonb,
	partitions           jsonb NOT NULL DEFAULT '[]'::jsonb,
	total_partitions     integer NOT NULL DEFAULT 0,
	completed_partitions integer NOT NULL DEFAULT 0,
	started_at           timestamptz NOT NULL,
	completed_at         timestamptz,
	cancelled_at         timestamptz,
	cancelled_by         text NOT NULL DEFAULT '',
	error_message        text NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ingest_jobs_tenant_idx ON ingest_jobs (tenant_id, started_at DESC);

CREATE TABLE IF NOT EXISTS ingest_records (
	id           uuid PRIMARY KEY,
	tenant_id    text NOT NULL,
	workspace_id text NOT NULL,
	batch_job_id text NOT NULL,
	status       text NOT NULL,
	created_by   text NOT NULL,
	created_at   timestamptz NOT NULL,
	payload      jsonb NOT NULL
);

CREATE INDEX IF NOT EXISTS ingest_records_job_idx ON ingest_records (batch_job_id);

CREATE TABLE IF NOT EXISTS workspaces (
	tenant_id    text NOT NULL,
	workspace_id text NOT NULL,
	record_count bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, workspace_id)
);
`

func (s *Postgres) CreateJob(ctx context.Context, job *ingest.JobRecord) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_jobs (job_id, tenant_id, workspace_id, file_path, file_name, file_size, status, progress, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.JobID, job.TenantID, job.WorkspaceID, job.FilePath, job.FileName,
		job.FileSize, string(job.Status), progress, job.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*ingest.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, tenant_id, workspace_id, file_path, file_name, file_size,
		       status, progress, total_rows, valid_rows, invalid_rows, blocked_rows,
		       warnings, errors, partitions, total_partitions, completed_partitions,
		       started_at, completed_at, cancelled_at, cancelled_by, error_message
		FROM ingest_jobs WHERE job_id = $1`, jobID)

	var (
		job                 ingest.JobRecord
		status              string
		progress, errsJSON  []byte
		partitionsJSON      []byte
	)
	err := row.Scan(
		&job.JobID, &job.TenantID, &job.WorkspaceID, &job.FilePath, &job.FileName, &job.FileSize,
		&status, &progress, &job.Stats.TotalRows, &job.Stats.ValidRows, &job.Stats.InvalidRows,
		&job.Stats.BlockedRows, &job.Stats.Warnings, &errsJSON, &partitionsJSON,
		&job.TotalPartitions, &job.CompletedPartitions,
		&job.StartedAt, &job.CompletedAt, &job.CancelledAt, &job.CancelledBy, &job.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	job.Status = ingest.JobStatus(status)
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return nil, fmt.Errorf("decode job progress: %w", err)
	}
	if err := json.Unmarshal(errsJSON, &job.Errors); err != nil {
		return nil, fmt.Errorf("decode job errors: %w", err)
	}
	if err := json.Unmarshal(partitionsJSON, &job.Partitions); err != nil {
		return nil, fmt.Errorf("decode job partitions: %w", err)
	}
	return &job, nil
}

func (s *Postgres) SetFileSize(ctx context.Context, jobID string, size int64) error {
	return s.exec(ctx, jobID, `UPDATE ingest_jobs SET file_size = $2 WHERE job_id = $1`, size)
}

func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, p ingest.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.exec(ctx, jobID, `UPDATE ingest_jobs SET progress = $2 WHERE job_id = $1`, progress)
}

func (s *Postgres) AddStats(ctx context.Context, jobID string, d ingest.Stats) error {
	return s.exec(ctx, jobID, `
		UPDATE ingest_jobs SET
			total_rows   = total_rows + $2,
			valid_rows   = valid_rows + $3,
			invalid_rows = invalid_rows + $4,
			blocked_rows = blocked_rows + $5,
			warnings     = warnings + $6
		WHERE job_id = $1`,
		d.TotalRows, d.ValidRows, d.InvalidRows, d.BlockedRows, d.Warnings)
}

// AppendRowErrors appends and truncates to the cap in one statement so
// concurrent appenders never grow the list past it.
func (s *Postgres) AppendRowErrors(ctx context.Context, jobID string, errs []ingest.RowError) error {
	payload, err := json.Marshal(errs)
	if err != nil {
		return err
	}
	return s.exec(ctx, jobID, `
		UPDATE ingest_jobs SET errors = (
			SELECT COALESCE(jsonb_agg(e.value), '[]'::jsonb)
			FROM jsonb_array_elements(errors || $2::jsonb) WITH ORDINALITY AS e(value, ord)
			WHERE e.ord <= $3
		)
		WHERE job_id = $1`,
		payload, s.errorCap)
}

func (s *Postgres) SetPartitions(ctx context.Context, jobID string, parts []ingest.PartitionMeta) error {
	payload, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET
			partitions = $2,
			total_partitions = $3,
			completed_partitions = 0,
			status = $4
		WHERE job_id = $1 AND status = $5`,
		jobID, payload, len(parts), string(ingest.StatusPartitioned), string(ingest.StatusProcessing))
	if err != nil {
		return fmt.Errorf("set partitions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, jobID)
	}
	return nil
}

// CompletePartition increments the counter only while the named partition
// is still pending and the job is still active, so duplicate completion
// reports cannot push completed_partitions past total_partitions.
func (s *Postgres) CompletePartition(ctx context.Context, jobID, partitionID string) (int, int, error) {
	var completed, total int
	err := s.pool.QueryRow(ctx, `
		UPDATE ingest_jobs SET
			completed_partitions = completed_partitions + 1,
			partitions = (
				SELECT COALESCE(jsonb_agg(
					CASE WHEN p.value->>'partition_id' = $2
					     THEN jsonb_set(p.value, '{status}', '"completed"')
					     ELSE p.value END), '[]'::jsonb)
				FROM jsonb_array_elements(partitions) AS p(value)
			)
		WHERE job_id = $1
		  AND status IN ('processing', 'partitioned')
		  AND partitions @> jsonb_build_array(jsonb_build_object('partition_id', $2::text, 'status', 'pending'))
		RETURNING completed_partitions, total_partitions`,
		jobID, partitionID).Scan(&completed, &total)
	if err == nil {
		return completed, total, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("complete partition: %w", err)
	}

	// The guard matched nothing: a duplicate report returns the current
	// counters unchanged, a terminal job rejects the report.
	var status string
	err = s.pool.QueryRow(ctx, `
		SELECT status, completed_partitions, total_partitions
		FROM ingest_jobs WHERE job_id = $1`, jobID).Scan(&status, &completed, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ingest.ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("inspect job %s: %w", jobID, err)
	}
	if ingest.JobStatus(status).Terminal() {
		return 0, 0, ingest.ErrFailedPrecondition
	}
	return completed, total, nil
}

func (s *Postgres) MarkCompleted(ctx context.Context, jobID string) error {
	return s.guardedTransition(ctx, jobID, `
		UPDATE ingest_jobs SET status = 'completed', completed_at = now()
		WHERE job_id = $1 AND status IN ('processing', 'partitioned')`)
}

func (s *Postgres) MarkFailed(ctx context.Context, jobID, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = 'failed', completed_at = now(), error_message = $2
		WHERE job_id = $1 AND status IN ('processing', 'partitioned')`,
		jobID, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (s *Postgres) MarkCancelled(ctx context.Context, jobID, cancelledBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = 'cancelled', cancelled_at = now(), cancelled_by = $2
		WHERE job_id = $1 AND status IN ('processing', 'partitioned')`,
		jobID, cancelledBy)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, jobID)
	}
	return nil
}

// InsertRecords commits one write group in a single transaction using the
// COPY protocol: the whole group lands or none of it does.
func (s *Postgres) InsertRecords(ctx context.Context, recs []ingest.StoredRecord) error {
	if len(recs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		payload, err := json.Marshal(r.Record)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		rows = append(rows, []any{
			r.ID, r.TenantID, r.WorkspaceID, r.BatchJobID,
			r.Status, r.CreatedBy, r.CreatedAt, payload,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write group: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"ingest_records"},
		[]string{"id", "tenant_id", "workspace_id", "batch_job_id", "status", "created_by", "created_at", "payload"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy write group: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit write group: %w", err)
	}
	return nil
}

func (s *Postgres) WorkspaceExists(ctx context.Context, tenantID, workspaceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE tenant_id = $1 AND workspace_id = $2)`,
		tenantID, workspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workspace: %w", err)
	}
	return exists, nil
}

func (s *Postgres) AddWorkspaceRecords(ctx context.Context, tenantID, workspaceID string, n int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workspaces SET record_count = record_count + $3
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID, n)
	if err != nil {
		return fmt.Errorf("bump workspace records: %w", err)
	}
	return nil
}

func (s *Postgres) exec(ctx context.Context, jobID, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func (s *Postgres) guardedTransition(ctx context.Context, jobID, sql string) error {
	tag, err := s.pool.Exec(ctx, sql, jobID)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, jobID)
	}
	return nil
}

// missingOrConflict distinguishes "no such job" from "transition not
// allowed in the current status" after a guarded update matched no rows.
func (s *Postgres) missingOrConflict(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ingest_jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("inspect job %s: %w", jobID, err)
	}
	if !exists {
		return ingest.ErrNotFound
	}
	return ingest.ErrFailedPrecondition
}
