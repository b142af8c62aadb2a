// Package jobstore provides the job record store backing the ingestion
// pipeline: a Postgres implementation for production and an in-memory one
// for tests. Both satisfy ingest.JobStore and keep the same contract:
// counter mutations are atomic, the error list is capped store-side, and
// status transitions are guarded so a terminal job never changes again.
package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianhq/ingest/internal/ingest"
)

// DefaultErrorCap bounds the per-job error list so the record stays small
// no matter how broken the upload is.
const DefaultErrorCap = 100

// Memory is an in-memory job store. All operations are safe for concurrent
// use; counter updates happen under one lock, mirroring the atomic
// increments the Postgres store gets from single-statement updates.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*ingest.JobRecord
	workspaces map[string]int // tenant/workspace -> record count
	errorCap   int

	// insertGroups records every committed write group, in order. Tests
	// use it to assert group sizes and counts.
	insertGroups [][]ingest.StoredRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*ingest.JobRecord),
		workspaces: make(map[string]int),
		errorCap:   DefaultErrorCap,
	}
}

// AddWorkspace registers a workspace so WorkspaceExists reports true.
func (m *Memory) AddWorkspace(tenantID, workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + workspaceID
	if _, ok := m.workspaces[key]; !ok {
		m.workspaces[key] = 0
	}
}

// SetErrorCap overrides the error list cap (tests only).
func (m *Memory) SetErrorCap(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCap = n
}

func (m *Memory) CreateJob(_ context.Context, job *ingest.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	cp := cloneJob(job)
	m.jobs[job.JobID] = cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*ingest.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ingest.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) SetFileSize(_ context.Context, jobID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ingest.ErrNotFound
	}
	job.FileSize = size
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, jobID string, p ingest.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ingest.ErrNotFound
	}
	job.Progress = p
	return nil
}

func (m *Memory) AddStats(_ context.Context, jobID string, delta ingest.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ingest.ErrNotFound
	}
	job.Stats.TotalRows += delta.TotalRows
	job.Stats.ValidRows += delta.ValidRows
	job.Stats.InvalidRows += delta.InvalidRows
	job.Stats.BlockedRows += delta.BlockedRows
	job.Stats.Warnings += delta.Warnings
	return nil
}

func (m *Memory) AppendRowErrors(_ context.Context, jobID string, errs []ingest.RowError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ingest.ErrNotFound
	}
	room := m.errorCap - len(job.Errors)
	if room <= 0 {
		return nil
	}
	if len(errs) > room {
		errs = errs[:room]
	}
	job.Errors = append(job.Errors, errs...)
	return nil
}

func (m *Memory) SetPartitions(_ context.Context, jobID string, parts []ingest.PartitionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ingest.ErrNotFound
	}
	if job.Status != ingest.StatusProcessing {
		return ingest.ErrFailedPrecondition
	}
	job.Partitions = append([]ingest.PartitionMeta(nil), parts...)
	job.TotalPartitions = len(parts)
	job.CompletedPartitions = 0
	job.Status = ingest.StatusPartitioned
	return nil
}

func (m *Memory) CompletePartition(_ context.Context, jobID, partitionID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return 0, 0, ingest.ErrNotFound
	}
	if job.Status.Terminal() {
		return 0, 0, ingest.ErrFailedPrecondition
	}
	// Only a pending->completed flip counts, so a duplicate report cannot
	// push completed past total.
	for i := range job.Partitions {
		if job.Partitions[i].PartitionID != partitionID {
			continue
		}
		if job.Partitions[i].Status != ingest.PartitionCompleted {
			job.Partitions[i].Status = ingest.PartitionCompleted
			job.CompletedPartitions++
		}
		break
	}
	return job.CompletedPartitions, job.TotalPartitions, nil
}

func (m *Memory) MarkCompleted(_ context.Context, jobID string) error {
	return m.transition(jobID, ingest.StatusCompleted, "", "")
}

func (m *Memory) MarkFailed(_ context.Context, jobID, message string) error {
	return m.transition(jobID, ingest.StatusFailed, message, "")
}

func (m *Memory) MarkCancelled(_ context.Context, jobID, cancelledBy string) error {
	return m.transition(jobID, ingest.StatusCancelled, "", cancelledBy)
}

func (m *Memory) transition(jobID string, to ingest.JobStatus, message, cancelledBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ingest.ErrNotFound
	}
	if job.Status.Terminal() {
		return ingest.ErrFailedPrecondition
	}
	now := time.Now().UTC()
	job.Status = to
	switch to {
	case ingest.StatusCompleted:
		job.CompletedAt = &now
	case ingest.StatusFailed:
		job.CompletedAt = &now
		job.ErrorMessage = message
	case ingest.StatusCancelled:
		job.CancelledAt = &now
		job.CancelledBy = cancelledBy
	}
	return nil
}

func (m *Memory) InsertRecords(_ context.Context, recs []ingest.StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := append([]ingest.StoredRecord(nil), recs...)
	m.insertGroups = append(m.insertGroups, group)
	return nil
}

func (m *Memory) WorkspaceExists(_ context.Context, tenantID, workspaceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workspaces[tenantID+"/"+workspaceID]
	return ok, nil
}

func (m *Memory) AddWorkspaceRecords(_ context.Context, tenantID, workspaceID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[tenantID+"/"+workspaceID] += n
	return nil
}

// InsertGroups returns a copy of every committed write group (tests only).
func (m *Memory) InsertGroups() [][]ingest.StoredRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]ingest.StoredRecord, len(m.insertGroups))
	for i, g := range m.insertGroups {
		out[i] = append([]ingest.StoredRecord(nil), g...)
	}
	return out
}

// WorkspaceRecordCount returns the record counter for a workspace (tests
// only).
func (m *Memory) WorkspaceRecordCount(tenantID, workspaceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[tenantID+"/"+workspaceID]
}

func cloneJob(job *ingest.JobRecord) *ingest.JobRecord {
	cp := *job
	cp.Errors = append([]ingest.RowError(nil), job.Errors...)
	cp.Partitions = append([]ingest.PartitionMeta(nil), job.Partitions...)
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	if job.CancelledAt != nil {
		t := *job.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}
