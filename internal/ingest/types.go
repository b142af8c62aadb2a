// Package ingest implements the bulk tabular ingestion pipeline: reading
// uploaded spreadsheets, normalizing and validating rows, persisting valid
// rows in bounded atomic write groups, and splitting oversized jobs into
// independently dispatched partitions.
//
// The package owns the job state machine and talks to its collaborators
// (job store, blob storage, task dispatcher, row validator) through the
// narrow interfaces defined in deps.go.
package ingest

import "time"

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	StatusProcessing  JobStatus = "processing"
	StatusPartitioned JobStatus = "partitioned"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can never change again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress stages shown to clients while a job is active.
const (
	StageValidating = "validating"
	StagePersisting = "persisting"
	StagePartitions = "partitions"
	StageDone       = "done"
)

// Progress is the client-visible progress block on a job record. Percent
// never decreases while a job is active; Current and Total are scoped to
// the stage (rows while validating and persisting, partitions after a
// job is split), so they reset when the stage switches scale.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
}

// Stats holds cumulative row counters. Counters only ever grow; once a
// non-partitioned job completes, ValidRows+InvalidRows == TotalRows.
// Blocked rows are counted both in InvalidRows and in BlockedRows.
type Stats struct {
	TotalRows   int `json:"total_rows"`
	ValidRows   int `json:"valid_rows"`
	InvalidRows int `json:"invalid_rows"`
	BlockedRows int `json:"blocked_rows"`
	Warnings    int `json:"warnings"`
}

// Row error types recorded on the job record.
const (
	RowErrorInvalid = "invalid"
	RowErrorBlocked = "blocked"
)

// RowError describes one rejected row. Row is the 1-based row number in the
// original file (the header is row 1, so the first data row is row 2).
type RowError struct {
	Row    int      `json:"row"`
	Type   string   `json:"type"`
	Errors []string `json:"errors"`
}

// Partition statuses tracked in the job record's partition list.
const (
	PartitionPending   = "pending"
	PartitionCompleted = "completed"
)

// PartitionMeta describes one contiguous slice of the original row sequence.
// Slices are disjoint; their union covers the row sequence exactly once.
type PartitionMeta struct {
	PartitionID string `json:"partition_id"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"` // exclusive
	RecordCount int    `json:"record_count"`
	Status      string `json:"status"`
}

// JobRecord is the single document tracking one ingestion run. It is mutated
// only through the job store and becomes immutable once Status is terminal.
type JobRecord struct {
	JobID       string `json:"job_id"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`

	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`

	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`
	Stats    Stats     `json:"stats"`
	Errors   []RowError `json:"errors"`

	Partitions          []PartitionMeta `json:"partitions,omitempty"`
	TotalPartitions     int             `json:"total_partitions,omitempty"`
	CompletedPartitions int             `json:"completed_partitions,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ClientFields is the client portion of a canonical record.
type ClientFields struct {
	DocumentType string `json:"document_type"`
	DocumentID   string `json:"document_id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	FullName     string `json:"full_name"`
	BirthDate    string `json:"birth_date"` // ISO yyyy-mm-dd, "" when absent
	Nationality  string `json:"nationality"`
	PEP          bool   `json:"pep"`
}

// OperationFields is the operation portion of a canonical record.
type OperationFields struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Date      string  `json:"date"` // ISO yyyy-mm-dd, "" when absent
	Reference string  `json:"reference"`
	Cash      bool    `json:"cash"`
}

// Counterparty is the optional secondary party on an operation.
type Counterparty struct {
	DocumentID string `json:"document_id"`
	FullName   string `json:"full_name"`
	Country    string `json:"country"`
}

// Record is the canonical, type-coerced shape every row is normalized into.
// All validation and persistence operate on this shape.
type Record struct {
	Client       ClientFields    `json:"client"`
	Operation    OperationFields `json:"operation"`
	Counterparty *Counterparty   `json:"counterparty,omitempty"`
}

// RowRecord pairs a canonical record with its original 1-based row number so
// error reports and partitions keep file ordering.
type RowRecord struct {
	Row    int    `json:"row"`
	Record Record `json:"record"`
}

// StoredRecord is what the batch writer persists: the canonical record plus
// the provenance fields that let downstream consumers tell batch-imported
// records from interactively created ones.
type StoredRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	WorkspaceID string    `json:"workspace_id"`
	BatchJobID  string    `json:"batch_job_id"`
	Status      string    `json:"status"`     // always pending_review
	CreatedBy   string    `json:"created_by"` // always batch_import
	CreatedAt   time.Time `json:"created_at"`
	Record      Record    `json:"record"`
}

// Provenance values stamped on every batch-imported record.
const (
	RecordStatusPendingReview = "pending_review"
	RecordCreatedByBatch      = "batch_import"
)

// PartitionTask is the payload of one asynchronous partition-worker
// invocation.
type PartitionTask struct {
	JobID       string `json:"job_id"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
	PartitionID string `json:"partition_id"`
}

// Caller identifies the principal behind a status or cancel request.
// Operators may act across tenants.
type Caller struct {
	TenantID string
	UserID   string
	Operator bool
}
