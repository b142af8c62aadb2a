package ingest

// partition.go slices oversized jobs into contiguous fixed-size partitions,
// spills each to blob storage and dispatches one worker task per partition.
// It also implements the worker side: each partition is consumed by exactly
// one invocation, which validates and persists its slice, deletes the blob
// after committing everything, and reports back through the job record's
// atomic counters.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

func partitionID(ordinal int) string {
	return fmt.Sprintf("part-%04d", ordinal)
}

func partitionKey(tenantID, jobID, partID string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, jobID, partID)
}

// partitionJob slices records into partitions of cfg.PartitionSize rows
// (the last one may be shorter), writes each to blob storage and dispatches
// the worker tasks. startIndex is the offset of records[0] within the
// original row sequence, non-zero only on the timeout fallback path.
//
// A failed chunk write aborts the whole attempt: already written chunks are
// deleted best-effort and the error marks the job failed. Partial partition
// sets are never left dangling.
func (s *Service) partitionJob(ctx context.Context, job *JobRecord, records []RowRecord, startIndex int) error {
	size := s.cfg.PartitionSize
	count := (len(records) + size - 1) / size

	metas := make([]PartitionMeta, 0, count)
	var writtenKeys []string

	cleanup := func() {
		for _, key := range writtenKeys {
			if err := s.blob.Delete(context.WithoutCancel(ctx), key); err != nil {
				slog.Warn("partition cleanup failed", "job_id", job.JobID, "key", key, "error", err)
			}
		}
	}

	for i := 0; i < count; i++ {
		start := i * size
		end := min(start+size, len(records))
		chunk := records[start:end]

		pid := partitionID(i)
		payload, err := json.Marshal(chunk)
		if err != nil {
			cleanup()
			return &PartitionWriteError{PartitionID: pid, Err: err}
		}

		key := partitionKey(job.TenantID, job.JobID, pid)
		if err := s.blob.Put(ctx, key, payload, "application/json"); err != nil {
			cleanup()
			return &PartitionWriteError{PartitionID: pid, Err: err}
		}
		writtenKeys = append(writtenKeys, key)

		metas = append(metas, PartitionMeta{
			PartitionID: pid,
			StartIndex:  startIndex + start,
			EndIndex:    startIndex + end,
			RecordCount: len(chunk),
			Status:      PartitionPending,
		})
	}

	if err := s.store.SetPartitions(ctx, job.JobID, metas); err != nil {
		cleanup()
		return fmt.Errorf("record partitions: %w", err)
	}

	// On the timeout fallback the job already reported validation progress
	// up to startIndex; the partition scale starts from that percent so the
	// reported value never drops at the switch.
	floor := scalePercent(startIndex, startIndex+len(records), 0)
	tracker := newProgressTracker(s.store, job.JobID, s.cfg.ProgressInterval)
	tracker.partitions(ctx, 0, count, floor)

	for _, meta := range metas {
		task := PartitionTask{
			JobID:       job.JobID,
			TenantID:    job.TenantID,
			WorkspaceID: job.WorkspaceID,
			PartitionID: meta.PartitionID,
		}
		if err := s.dispatcher.Dispatch(ctx, task); err != nil {
			return fmt.Errorf("dispatch partition %s: %w", meta.PartitionID, err)
		}
	}

	slog.Info("job partitioned",
		"job_id", job.JobID,
		"partitions", count,
		"rows", len(records),
		"start_index", startIndex,
	)
	return nil
}

// ProcessPartition executes one partition-worker invocation. It is
// idempotent with respect to retries of the same partition: an absent blob
// means the partition was already consumed and the call is a no-op. Errors
// are returned to the dispatcher for retry; only a write-group commit
// failure marks the whole job failed.
func (s *Service) ProcessPartition(ctx context.Context, task PartitionTask) error {
	logger := slog.With("job_id", task.JobID, "partition_id", task.PartitionID)
	key := partitionKey(task.TenantID, task.JobID, task.PartitionID)

	exists, err := s.blob.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check partition blob: %w", err)
	}
	if !exists {
		logger.Info("partition blob absent, already processed")
		return nil
	}

	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		logger.Info("job already terminal, skipping partition", "status", job.Status)
		return nil
	}

	payload, err := s.blob.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load partition blob: %w", err)
	}
	var records []RowRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		err = fmt.Errorf("decode partition %s: %w", task.PartitionID, err)
		_ = s.store.MarkFailed(ctx, task.JobID, err.Error())
		return err
	}

	var (
		valid   []Record
		pending Stats
		errs    []RowError
	)
	for i, rr := range records {
		if i > 0 && i%s.cfg.ProgressInterval == 0 {
			halted, err := s.jobHalted(ctx, task.JobID)
			if err != nil {
				return err
			}
			if halted {
				logger.Info("job reached terminal state during partition validation", "row", i)
				return nil
			}
		}
		outcome, verdict, err := s.adapter.validateRow(ctx, rr)
		if err != nil {
			return fmt.Errorf("validator: %w", err)
		}
		applyOutcome(&pending, &errs, rr, outcome, verdict)
		if outcome == OutcomeValid {
			valid = append(valid, rr.Record)
		}
	}

	if err := s.store.AddStats(ctx, task.JobID, pending); err != nil {
		return fmt.Errorf("record partition stats: %w", err)
	}
	if len(errs) > 0 {
		if err := s.store.AppendRowErrors(ctx, task.JobID, errs); err != nil {
			return fmt.Errorf("record partition errors: %w", err)
		}
	}

	writer := newBatchWriter(s.store, s.cfg.BatchSize, s.now)
	written, halted, err := writer.write(ctx, job, valid, s.haltCheck(task.JobID), nil)
	if err != nil {
		var wge *WriteGroupError
		if errors.As(err, &wge) {
			_ = s.store.MarkFailed(ctx, task.JobID, err.Error())
		}
		return err
	}
	if halted {
		logger.Info("job reached terminal state during partition persistence", "written", written)
		return nil
	}

	if written > 0 {
		if err := s.store.AddWorkspaceRecords(ctx, task.TenantID, task.WorkspaceID, written); err != nil {
			logger.Warn("workspace stats update failed", "error", err)
		}
	}

	// The blob is deleted only after every row committed; a crash before
	// this point leaves it intact for retry.
	if err := s.blob.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete partition blob: %w", err)
	}

	completed, total, err := s.store.CompletePartition(ctx, task.JobID, task.PartitionID)
	if err != nil {
		if errors.Is(err, ErrFailedPrecondition) {
			logger.Info("job reached terminal state before completion report")
			return nil
		}
		return fmt.Errorf("report partition completion: %w", err)
	}

	tracker := newProgressTracker(s.store, task.JobID, s.cfg.ProgressInterval)
	tracker.partitions(ctx, completed, total, job.Progress.Percent)
	logger.Info("partition processed", "rows", len(records), "written", written,
		"completed_partitions", completed, "total_partitions", total)

	if completed == total {
		if err := s.store.MarkCompleted(ctx, task.JobID); err != nil {
			if errors.Is(err, ErrFailedPrecondition) {
				logger.Info("job reached terminal state before completion")
				return nil
			}
			return fmt.Errorf("complete job: %w", err)
		}
		logger.Info("all partitions completed, job done")
	}
	return nil
}
