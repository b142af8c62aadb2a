package ingest

// service.go owns the job state machine. One Service instance handles both
// whole-file runs (triggered by an upload landing in blob storage) and
// partition-worker runs (triggered by dispatched tasks). Within a run,
// normalization and validation are strictly sequential: row-number-ordered
// error reporting depends on it. Concurrency exists only across runs, which
// coordinate solely through the job store's atomic counters.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config carries the pipeline limits. Zero values fall back to the built-in
// defaults.
type Config struct {
	MaxFileSize        int64         // reject uploads larger than this, pre-parse
	BatchSize          int           // records per atomic write group
	PartitionSize      int           // rows per partition
	PartitionThreshold int           // partition only above this row count
	ProgressInterval   int           // rows between progress writes
	ExecutionCeiling   time.Duration // hard per-run time limit
	WarnThreshold      time.Duration // fall back to partitioning past this
}

func (c Config) withDefaults() Config {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 50 * 1024 * 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 400
	}
	if c.PartitionSize <= 0 {
		c.PartitionSize = 2000
	}
	if c.PartitionThreshold <= 0 {
		c.PartitionThreshold = 5000
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100
	}
	if c.ExecutionCeiling <= 0 {
		c.ExecutionCeiling = 9 * time.Minute
	}
	if c.WarnThreshold <= 0 || c.WarnThreshold >= c.ExecutionCeiling {
		c.WarnThreshold = c.ExecutionCeiling - time.Minute
	}
	return c
}

// Service runs ingestion jobs.
type Service struct {
	store      JobStore
	blob       BlobStore
	dispatcher Dispatcher
	adapter    validatorAdapter
	limiter    *RunLimiter
	cfg        Config

	now func() time.Time
}

// NewService wires the pipeline against its collaborators.
func NewService(store JobStore, blob BlobStore, dispatcher Dispatcher, validator Validator, limiter *RunLimiter, cfg Config) *Service {
	if limiter == nil {
		limiter = NewRunLimiter(defaultMaxConcurrentRuns, defaultRunSlotWait)
	}
	return &Service{
		store:      store,
		blob:       blob,
		dispatcher: dispatcher,
		adapter:    validatorAdapter{v: validator},
		limiter:    limiter,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// Limiter exposes the run limiter for shutdown draining.
func (s *Service) Limiter() *RunLimiter { return s.limiter }

// UploadRef identifies an upload derived from its blob path.
type UploadRef struct {
	TenantID    string
	WorkspaceID string
	JobID       string
	FileName    string
}

// ParseUploadPath derives tenant, workspace and job identity purely from
// the well-known path convention
// uploads/{tenant_id}/{workspace_id}/{job_id}_{timestamp}.{ext}.
func ParseUploadPath(p string) (UploadRef, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 4 || parts[0] != "uploads" {
		return UploadRef{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	fileName := parts[3]
	ext := path.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	sep := strings.LastIndex(base, "_")
	if parts[1] == "" || parts[2] == "" || ext == "" || sep <= 0 {
		return UploadRef{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	return UploadRef{
		TenantID:    parts[1],
		WorkspaceID: parts[2],
		JobID:       base[:sep],
		FileName:    fileName,
	}, nil
}

// UploadPath builds the conventional blob path for a new upload.
func UploadPath(tenantID, workspaceID, jobID, fileName string, ts time.Time) string {
	return fmt.Sprintf("uploads/%s/%s/%s_%d%s", tenantID, workspaceID, jobID, ts.Unix(), path.Ext(fileName))
}

// StartUpload stores an uploaded file under the path convention and starts
// the ingestion job for it. The file data is written to blob storage first
// so the job runs from the same source a storage trigger would see.
func (s *Service) StartUpload(ctx context.Context, tenantID, workspaceID, fileName string, data []byte) (string, error) {
	if _, err := DetectFormat(fileName); err != nil {
		return "", err
	}
	jobID := newJobID()
	blobPath := UploadPath(tenantID, workspaceID, jobID, fileName, s.now())
	if err := s.blob.Put(ctx, blobPath, data, "application/octet-stream"); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	ref := UploadRef{
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		JobID:       jobID,
		FileName:    path.Base(blobPath),
	}
	return s.start(ctx, ref, blobPath, int64(len(data)))
}

// StartFromPath begins an asynchronous ingestion run for a file already in
// blob storage. The job record is created immediately; processing happens
// in the background under the execution-time ceiling. Returns the job ID,
// ErrInvalidPath for malformed paths or ErrTooManyJobs under load.
func (s *Service) StartFromPath(ctx context.Context, blobPath string) (string, error) {
	ref, err := ParseUploadPath(blobPath)
	if err != nil {
		return "", err
	}
	// The size is unknown until the blob is read; run records it then.
	return s.start(ctx, ref, blobPath, 0)
}

func (s *Service) start(ctx context.Context, ref UploadRef, blobPath string, fileSize int64) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	job := &JobRecord{
		JobID:       ref.JobID,
		TenantID:    ref.TenantID,
		WorkspaceID: ref.WorkspaceID,
		FilePath:    blobPath,
		FileName:    ref.FileName,
		FileSize:    fileSize,
		Status:      StatusProcessing,
		Progress:    Progress{Stage: StageValidating},
		StartedAt:   s.now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.limiter.Release()
		return "", fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecutionCeiling)
	go func() {
		defer cancel()
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in ingestion run", "job_id", job.JobID, "panic", r)
				_ = s.store.MarkFailed(runCtx, job.JobID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		s.run(runCtx, job)
	}()

	return job.JobID, nil
}

// run executes one whole-file invocation.
func (s *Service) run(ctx context.Context, job *JobRecord) {
	logger := slog.With("job_id", job.JobID, "tenant_id", job.TenantID)

	fail := func(err error) {
		logger.Error("ingestion failed", "error", err)
		if markErr := s.store.MarkFailed(ctx, job.JobID, err.Error()); markErr != nil {
			logger.Error("could not mark job failed", "error", markErr)
		}
	}

	format, err := DetectFormat(job.FileName)
	if err != nil {
		fail(err)
		return
	}

	data, err := s.blob.Get(ctx, job.FilePath)
	if err != nil {
		fail(fmt.Errorf("download upload: %w", err))
		return
	}
	size := int64(len(data))
	if size > s.cfg.MaxFileSize {
		fail(fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size))
		return
	}
	if job.FileSize != size {
		job.FileSize = size
		if err := s.store.SetFileSize(ctx, job.JobID, size); err != nil {
			fail(fmt.Errorf("record file size: %w", err))
			return
		}
	}

	ok, err := s.store.WorkspaceExists(ctx, job.TenantID, job.WorkspaceID)
	if err != nil {
		fail(fmt.Errorf("check workspace: %w", err))
		return
	}
	if !ok {
		fail(fmt.Errorf("%w: %s/%s", ErrTargetNotFound, job.TenantID, job.WorkspaceID))
		return
	}

	rows, err := ReadTable(data, format)
	if err != nil {
		fail(err)
		return
	}

	records := make([]RowRecord, len(rows))
	for i, row := range rows {
		records[i] = RowRecord{Row: row.Number, Record: Normalize(row)}
	}

	if err := s.store.AddStats(ctx, job.JobID, Stats{TotalRows: len(records)}); err != nil {
		fail(fmt.Errorf("record row count: %w", err))
		return
	}

	logger.Info("file decoded", "rows", len(records), "format", format)

	// Oversized jobs never validate inline: the whole row sequence is
	// sliced and handed to partition workers.
	if len(records) > s.cfg.PartitionThreshold {
		if err := s.partitionJob(ctx, job, records, 0); err != nil {
			fail(err)
		}
		return
	}

	s.processRows(ctx, job, records)
}

// processRows validates and persists the row sequence within the current
// invocation. Past the early-warning threshold it stops consuming rows,
// persists what already validated and re-slices the remainder into
// partitions instead of silently truncating.
func (s *Service) processRows(ctx context.Context, job *JobRecord, records []RowRecord) {
	logger := slog.With("job_id", job.JobID)
	tracker := newProgressTracker(s.store, job.JobID, s.cfg.ProgressInterval)
	total := len(records)
	deadline := job.StartedAt.Add(s.cfg.WarnThreshold)

	fail := func(err error) {
		logger.Error("ingestion failed", "error", err)
		_ = s.store.MarkFailed(ctx, job.JobID, err.Error())
	}

	var (
		valid   []Record
		pending Stats
		errs    []RowError
	)
	flush := func() error {
		if pending != (Stats{}) {
			if err := s.store.AddStats(ctx, job.JobID, pending); err != nil {
				return err
			}
			pending = Stats{}
		}
		if len(errs) > 0 {
			if err := s.store.AppendRowErrors(ctx, job.JobID, errs); err != nil {
				return err
			}
			errs = nil
		}
		return nil
	}

	for i, rr := range records {
		if i > 0 && i%s.cfg.ProgressInterval == 0 {
			if err := flush(); err != nil {
				fail(err)
				return
			}
			tracker.validating(ctx, i, total)

			halted, err := s.jobHalted(ctx, job.JobID)
			if err != nil {
				fail(err)
				return
			}
			if halted {
				logger.Info("run stopped during validation, job already terminal", "row", i)
				return
			}

			if s.now().After(deadline) {
				logger.Warn("execution ceiling approaching, partitioning remaining rows",
					"validated", i, "remaining", total-i)
				s.fallbackToPartitions(ctx, job, valid, records[i:], i, fail)
				return
			}
		}

		outcome, verdict, err := s.adapter.validateRow(ctx, rr)
		if err != nil {
			_ = flush()
			fail(fmt.Errorf("validator: %w", err))
			return
		}
		applyOutcome(&pending, &errs, rr, outcome, verdict)
		if outcome == OutcomeValid {
			valid = append(valid, rr.Record)
		}
	}

	if err := flush(); err != nil {
		fail(err)
		return
	}
	tracker.validating(ctx, total, total)

	writer := newBatchWriter(s.store, s.cfg.BatchSize, s.now)
	written, halted, err := writer.write(ctx, job, valid, s.haltCheck(job.JobID), func(ctx context.Context, w int) {
		tracker.persisting(ctx, w, len(valid), total)
	})
	if err != nil {
		fail(err)
		return
	}
	if halted {
		logger.Info("run stopped during persistence, job already terminal", "written", written)
		return
	}

	if written > 0 {
		if err := s.store.AddWorkspaceRecords(ctx, job.TenantID, job.WorkspaceID, written); err != nil {
			logger.Warn("workspace stats update failed", "error", err)
		}
	}

	tracker.done(ctx, total)
	if err := s.store.MarkCompleted(ctx, job.JobID); err != nil {
		// A cancel that lands between the last poll and here wins; the
		// guard rejects the transition and the job stays cancelled.
		if errors.Is(err, ErrFailedPrecondition) {
			logger.Info("job reached terminal state before completion")
			return
		}
		logger.Error("could not mark job completed", "error", err)
		return
	}
	logger.Info("ingestion completed", "rows", total, "written", written)
}

// fallbackToPartitions persists the rows that already validated and spills
// the unconsumed remainder into partitions.
func (s *Service) fallbackToPartitions(ctx context.Context, job *JobRecord, valid []Record, remaining []RowRecord, startIndex int, fail func(error)) {
	writer := newBatchWriter(s.store, s.cfg.BatchSize, s.now)
	written, halted, err := writer.write(ctx, job, valid, s.haltCheck(job.JobID), nil)
	if err != nil {
		fail(err)
		return
	}
	if halted {
		return
	}
	if written > 0 {
		if err := s.store.AddWorkspaceRecords(ctx, job.TenantID, job.WorkspaceID, written); err != nil {
			slog.Warn("workspace stats update failed", "job_id", job.JobID, "error", err)
		}
	}
	if err := s.partitionJob(ctx, job, remaining, startIndex); err != nil {
		fail(err)
	}
}

// applyOutcome folds one row verdict into the pending counters and the
// capped error list. Blocked rows count as invalid too, so
// valid+invalid==total holds, while the blocked bucket stays visible.
func applyOutcome(pending *Stats, errs *[]RowError, rr RowRecord, outcome RowOutcome, verdict Verdict) {
	switch outcome {
	case OutcomeValid:
		pending.ValidRows++
	case OutcomeBlocked:
		pending.InvalidRows++
		pending.BlockedRows++
		*errs = append(*errs, RowError{Row: rr.Row, Type: RowErrorBlocked, Errors: verdict.Errors})
	default:
		pending.InvalidRows++
		*errs = append(*errs, RowError{Row: rr.Row, Type: RowErrorInvalid, Errors: verdict.Errors})
	}
	if verdict.HasWarnings {
		pending.Warnings++
	}
}

// jobHalted polls the job status and reports whether the run should stop:
// any terminal status means another actor already decided the job's
// outcome, be it a cancel request or a failing sibling partition.
// Stopping is cooperative: runs observe it here and before each write
// group.
func (s *Service) jobHalted(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("poll job status: %w", err)
	}
	return job.Status.Terminal(), nil
}

func (s *Service) haltCheck(jobID string) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		return s.jobHalted(ctx, jobID)
	}
}

// Status returns the job record for caller. Fails with ErrNotFound for
// unknown jobs and ErrPermissionDenied when the caller's tenant does not
// match, unless the caller holds the cross-tenant operator role.
func (s *Service) Status(ctx context.Context, caller Caller, jobID string) (*JobRecord, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorize(caller, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel transitions a processing or partitioned job to cancelled and
// stamps who asked. Terminal jobs fail with ErrFailedPrecondition. Rows
// already committed stay persisted; cancellation is best effort, no
// rollback.
func (s *Service) Cancel(ctx context.Context, caller Caller, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := authorize(caller, job); err != nil {
		return err
	}

	cancelledBy := caller.UserID
	if cancelledBy == "" {
		cancelledBy = caller.TenantID
	}
	return s.store.MarkCancelled(ctx, jobID, cancelledBy)
}

func authorize(caller Caller, job *JobRecord) error {
	if caller.Operator || caller.TenantID == job.TenantID {
		return nil
	}
	return ErrPermissionDenied
}

func newJobID() string { return uuid.New().String() }
