package ingest

import "context"

// deps.go declares the narrow interfaces the pipeline needs from its
// external collaborators. Implementations live in internal/jobstore,
// internal/blob, internal/dispatch and internal/validate; tests substitute
// in-memory fakes.

// JobStore persists job records and batch-imported rows.
//
// Counter mutations (AddStats, CompletePartition) must be atomic at the
// store: concurrent partition workers coordinate only through these
// increments, so a read-modify-write implementation would race. Status
// transitions are guarded: a store never moves a job out of a terminal
// status and returns ErrFailedPrecondition for a disallowed transition.
type JobStore interface {
	CreateJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// SetFileSize records the uploaded file's size once it is known. Jobs
	// started from a storage trigger learn it only after the blob is read.
	SetFileSize(ctx context.Context, jobID string, size int64) error

	// UpdateProgress replaces the progress block. Callers only ever pass
	// a non-decreasing Percent while a job is active.
	UpdateProgress(ctx context.Context, jobID string, p Progress) error

	// AddStats atomically adds delta to the job's counters.
	AddStats(ctx context.Context, jobID string, delta Stats) error

	// AppendRowErrors appends to the job's error list, truncating at the
	// store's cap so concurrent appenders cannot overshoot it.
	AppendRowErrors(ctx context.Context, jobID string, errs []RowError) error

	// SetPartitions records the partition list, sets total_partitions and
	// transitions the job from processing to partitioned.
	SetPartitions(ctx context.Context, jobID string, parts []PartitionMeta) error

	// CompletePartition atomically marks the named partition completed,
	// increments completed_partitions and returns the new counters. The
	// increment only happens while the partition is still pending, so a
	// duplicate report returns the counters unchanged; terminal jobs fail
	// with ErrFailedPrecondition.
	CompletePartition(ctx context.Context, jobID, partitionID string) (completed, total int, err error)

	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, message string) error
	MarkCancelled(ctx context.Context, jobID, cancelledBy string) error

	// InsertRecords persists one write group as a single atomic operation:
	// either every record in recs lands or none of them do.
	InsertRecords(ctx context.Context, recs []StoredRecord) error

	WorkspaceExists(ctx context.Context, tenantID, workspaceID string) (bool, error)

	// AddWorkspaceRecords bumps the workspace record count after a job
	// completes.
	AddWorkspaceRecords(ctx context.Context, tenantID, workspaceID string, n int) error
}

// BlobStore holds uploaded files and spilled partitions.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Dispatcher fires one asynchronous partition-worker invocation per task.
type Dispatcher interface {
	Dispatch(ctx context.Context, task PartitionTask) error
}

// Verdict is the row-level outcome returned by the domain validator.
// IsBlocked is a stricter failure than !IsValid: the row references
// something that cannot exist at all rather than carrying malformed fields.
type Verdict struct {
	IsValid          bool
	IsBlocked        bool
	HasWarnings      bool
	RequiresFollowup bool
	Errors           []string
	Warnings         []string
}

// Validator is the external domain validator. Its business rules are out of
// scope here; the pipeline only consumes the verdict. rowNumber is the
// 1-based row number in the original file.
type Validator interface {
	Validate(ctx context.Context, rec Record, rowNumber int) (Verdict, error)
}
