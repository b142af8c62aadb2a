package ingest

// progress.go maintains the job record's progress block. Updates happen at
// a fixed cadence, not per row, to keep store writes bounded. Validation
// owns the 0-50% range and persistence the 50-100% range, so a job that is
// still validating never reports more than 50%. Partitioned jobs report
// completed_partitions/total_partitions instead, since sub-job percentages
// are not aggregable across independently executing partitions; when a job
// switches to that scale mid-run its percent is floored at the value
// already reported, so the percent never decreases.

import (
	"context"
	"log/slog"
)

type progressTracker struct {
	store    JobStore
	jobID    string
	interval int
}

func newProgressTracker(store JobStore, jobID string, interval int) *progressTracker {
	if interval <= 0 {
		interval = 100
	}
	return &progressTracker{store: store, jobID: jobID, interval: interval}
}

// validating reports row current of total during the validation phase.
// Writes go through every interval rows and on the final row.
func (t *progressTracker) validating(ctx context.Context, current, total int) {
	if current%t.interval != 0 && current != total {
		return
	}
	t.update(ctx, Progress{
		Current: current,
		Total:   total,
		Percent: scalePercent(current, total, 0),
		Stage:   StageValidating,
	})
}

// persisting reports written of totalValid after a write-group commit.
func (t *progressTracker) persisting(ctx context.Context, written, totalValid, totalRows int) {
	t.update(ctx, Progress{
		Current: totalRows,
		Total:   totalRows,
		Percent: scalePercent(written, totalValid, 50),
		Stage:   StagePersisting,
	})
}

// partitions reports partition completion for a partitioned job. floor is
// the percent the job has already reported; it keeps the value from
// dropping when the scale switches from rows to partitions.
func (t *progressTracker) partitions(ctx context.Context, completed, total, floor int) {
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}
	if percent < floor {
		percent = floor
	}
	t.update(ctx, Progress{
		Current: completed,
		Total:   total,
		Percent: percent,
		Stage:   StagePartitions,
	})
}

// done pins progress at 100%.
func (t *progressTracker) done(ctx context.Context, total int) {
	t.update(ctx, Progress{Current: total, Total: total, Percent: 100, Stage: StageDone})
}

// update is best-effort: a failed progress write is logged, never fatal.
func (t *progressTracker) update(ctx context.Context, p Progress) {
	if err := t.store.UpdateProgress(ctx, t.jobID, p); err != nil {
		slog.Warn("progress update failed", "job_id", t.jobID, "error", err)
	}
}

// scalePercent maps current/total onto a 50-point half of the percentage
// range starting at base.
func scalePercent(current, total, base int) int {
	if total <= 0 {
		return base + 50
	}
	if current > total {
		current = total
	}
	return base + current*50/total
}
