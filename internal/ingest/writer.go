package ingest

// writer.go persists validated records in bounded write groups. Each group
// is one atomic store operation: the whole group lands or none of it does.
// The cap stays under the store's atomic-write-group limit.

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type batchWriter struct {
	store JobStore
	size  int
	now   func() time.Time
}

func newBatchWriter(store JobStore, size int, now func() time.Time) *batchWriter {
	if size <= 0 {
		size = 400
	}
	if now == nil {
		now = time.Now
	}
	return &batchWriter{store: store, size: size, now: now}
}

// write persists recs for job in groups of at most w.size records, stamping
// each record with its generated ID and batch provenance. Before each group
// it calls check (the cooperative halt poll, true once the job is
// terminal); after each commit it calls onCommit with the running total.
// Returns the number of records written, whether the run stopped mid-way,
// and a WriteGroupError on commit failure. Rows committed before a halt is
// observed stay persisted; stopping never rolls back.
func (w *batchWriter) write(
	ctx context.Context,
	job *JobRecord,
	recs []Record,
	check func(context.Context) (bool, error),
	onCommit func(context.Context, int),
) (written int, halted bool, err error) {
	group := 0
	for start := 0; start < len(recs); start += w.size {
		end := min(start+w.size, len(recs))

		if check != nil {
			stop, err := check(ctx)
			if err != nil {
				return written, false, err
			}
			if stop {
				return written, true, nil
			}
		}

		stored := make([]StoredRecord, 0, end-start)
		for _, r := range recs[start:end] {
			stored = append(stored, StoredRecord{
				ID:          uuid.New().String(),
				TenantID:    job.TenantID,
				WorkspaceID: job.WorkspaceID,
				BatchJobID:  job.JobID,
				Status:      RecordStatusPendingReview,
				CreatedBy:   RecordCreatedByBatch,
				CreatedAt:   w.now().UTC(),
				Record:      r,
			})
		}

		if err := w.store.InsertRecords(ctx, stored); err != nil {
			return written, false, &WriteGroupError{Group: group, Err: err}
		}
		written += len(stored)
		group++

		if onCommit != nil {
			onCommit(ctx, written)
		}
	}
	return written, false, nil
}
