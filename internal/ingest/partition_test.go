package ingest_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meridianhq/ingest/internal/blob"
	"github.com/meridianhq/ingest/internal/ingest"
	"github.com/meridianhq/ingest/internal/jobstore"
	"github.com/meridianhq/ingest/internal/validate"
)

func TestRun_ThresholdBoundary(t *testing.T) {
	// Exactly at the threshold the file processes inline; one row past it
	// the whole sequence is partitioned.
	tests := []struct {
		name            string
		rows            int
		wantPartitioned bool
	}{
		{"at threshold", 6, false},
		{"one past threshold", 7, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, ingest.Config{PartitionThreshold: 6, PartitionSize: 3})
			ctx := context.Background()

			jobID, err := e.svc.StartUpload(ctx, "t1", "ws1", "clients.csv", validCSV(tt.rows))
			if err != nil {
				t.Fatalf("StartUpload() error = %v", err)
			}
			e.waitDone(t)

			job := e.mustGetJob(t, jobID)
			if job.Status != ingest.StatusCompleted {
				t.Fatalf("Status = %q, want completed (error: %s)", job.Status, job.ErrorMessage)
			}

			if tt.wantPartitioned {
				if job.TotalPartitions == 0 {
					t.Error("job should have been partitioned")
				}
			} else {
				if job.TotalPartitions != 0 {
					t.Errorf("job partitioned with %d partitions, want inline processing", job.TotalPartitions)
				}
			}
			if job.Stats.TotalRows != tt.rows || job.Stats.ValidRows != tt.rows {
				t.Errorf("Stats = %+v, want %d total and valid", job.Stats, tt.rows)
			}
		})
	}
}

func TestRun_PartitionedJobCompletes(t *testing.T) {
	e := newEnv(t, ingest.Config{PartitionThreshold: 10, PartitionSize: 4})
	ctx := context.Background()

	// 11 rows over partitions of 4 slice as 4, 4, 3
	jobID, err := e.svc.StartUpload(ctx, "t1", "ws1", "clients.csv", validCSV(11))
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	e.waitDone(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != ingest.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", job.Status, job.ErrorMessage)
	}

	if job.TotalPartitions != 3 || job.CompletedPartitions != 3 {
		t.Errorf("partitions = %d/%d, want 3/3", job.CompletedPartitions, job.TotalPartitions)
	}
	if len(job.Partitions) != 3 {
		t.Fatalf("got %d partition metas, want 3", len(job.Partitions))
	}

	// Slices are contiguous, disjoint and cover the sequence exactly once
	wantBounds := [][2]int{{0, 4}, {4, 8}, {8, 11}}
	for i, p := range job.Partitions {
		if p.StartIndex != wantBounds[i][0] || p.EndIndex != wantBounds[i][1] {
			t.Errorf("partition %d bounds = [%d,%d), want [%d,%d)",
				i, p.StartIndex, p.EndIndex, wantBounds[i][0], wantBounds[i][1])
		}
		if p.RecordCount != p.EndIndex-p.StartIndex {
			t.Errorf("partition %d RecordCount = %d, want %d", i, p.RecordCount, p.EndIndex-p.StartIndex)
		}
		if p.Status != ingest.PartitionCompleted {
			t.Errorf("partition %d status = %q, want completed", i, p.Status)
		}
	}

	if job.Stats.TotalRows != 11 || job.Stats.ValidRows != 11 {
		t.Errorf("Stats = %+v, want 11 total and valid", job.Stats)
	}
	if job.Progress.Stage != ingest.StagePartitions || job.Progress.Percent != 100 {
		t.Errorf("Progress = %+v, want partitions stage at 100%%", job.Progress)
	}

	// One task dispatched per partition
	if got := len(e.dispatched.Tasks()); got != 3 {
		t.Errorf("dispatched %d tasks, want 3", got)
	}

	// Partition blobs are deleted after commit; only nothing remains under
	// the job's partition prefix
	for _, key := range e.blobs.Keys() {
		if strings.HasPrefix(key, "t1/"+jobID+"/") {
			t.Errorf("partition blob %s should have been deleted", key)
		}
	}

	if got := e.store.WorkspaceRecordCount("t1", "ws1"); got != 11 {
		t.Errorf("workspace record count = %d, want 11", got)
	}
}

func TestProcessPartition_RetryIsNoOp(t *testing.T) {
	e := newEnv(t, ingest.Config{PartitionThreshold: 5, PartitionSize: 3})
	ctx := context.Background()

	jobID, _ := e.svc.StartUpload(ctx, "t1", "ws1", "clients.csv", validCSV(7))
	e.waitDone(t)

	groupsBefore := len(e.store.InsertGroups())
	tasks := e.dispatched.Tasks()
	if len(tasks) == 0 {
		t.Fatal("no partition tasks dispatched")
	}

	// Redelivery of an already-consumed task: the blob is gone, so the
	// worker must do nothing and succeed
	if err := e.svc.ProcessPartition(ctx, tasks[0]); err != nil {
		t.Fatalf("retried ProcessPartition() error = %v", err)
	}

	if got := len(e.store.InsertGroups()); got != groupsBefore {
		t.Errorf("retry inserted records: %d groups, want %d", got, groupsBefore)
	}

	job := e.mustGetJob(t, jobID)
	if job.Stats.ValidRows != 7 {
		t.Errorf("ValidRows = %d after retry, want 7 (no double counting)", job.Stats.ValidRows)
	}
}

func TestProcessPartition_SkipsCancelledJob(t *testing.T) {
	e := newEnv(t, ingest.Config{})
	ctx := context.Background()

	e.store.CreateJob(ctx, &ingest.JobRecord{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1",
		Status: ingest.StatusProcessing,
	})
	e.store.SetPartitions(ctx, "j1", []ingest.PartitionMeta{
		{PartitionID: "part-0000", Status: ingest.PartitionPending},
	})
	e.store.MarkCancelled(ctx, "j1", "u1")

	// The partition blob still exists but the job is cancelled
	e.blobs.Put(ctx, "t1/j1/part-0000", []byte(`[{"row":2,"record":{}}]`), "application/json")

	err := e.svc.ProcessPartition(ctx, ingest.PartitionTask{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1", PartitionID: "part-0000",
	})
	if err != nil {
		t.Fatalf("ProcessPartition() error = %v", err)
	}

	if got := len(e.store.InsertGroups()); got != 0 {
		t.Errorf("cancelled job wrote %d groups, want 0", got)
	}
}

func TestProcessPartition_SkipsFailedJob(t *testing.T) {
	e := newEnv(t, ingest.Config{})
	ctx := context.Background()

	e.store.CreateJob(ctx, &ingest.JobRecord{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1",
		Status: ingest.StatusProcessing,
	})
	e.store.SetPartitions(ctx, "j1", []ingest.PartitionMeta{
		{PartitionID: "part-0000", Status: ingest.PartitionPending},
		{PartitionID: "part-0001", Status: ingest.PartitionPending},
	})
	e.blobs.Put(ctx, "t1/j1/part-0001", []byte(`[{"row":2,"record":{}}]`), "application/json")

	// A sibling partition already failed the job; this worker must not
	// commit anything into it
	e.store.MarkFailed(ctx, "j1", "decode partition part-0000: boom")

	err := e.svc.ProcessPartition(ctx, ingest.PartitionTask{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1", PartitionID: "part-0001",
	})
	if err != nil {
		t.Fatalf("ProcessPartition() error = %v", err)
	}

	if got := len(e.store.InsertGroups()); got != 0 {
		t.Errorf("failed job wrote %d groups, want 0", got)
	}
	job := e.mustGetJob(t, "j1")
	if job.CompletedPartitions != 0 {
		t.Errorf("CompletedPartitions = %d, want 0", job.CompletedPartitions)
	}
}

func TestProcessPartition_CorruptBlobFailsJob(t *testing.T) {
	e := newEnv(t, ingest.Config{})
	ctx := context.Background()

	e.store.CreateJob(ctx, &ingest.JobRecord{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1",
		Status: ingest.StatusProcessing,
	})
	e.store.SetPartitions(ctx, "j1", []ingest.PartitionMeta{
		{PartitionID: "part-0000", Status: ingest.PartitionPending},
	})
	e.blobs.Put(ctx, "t1/j1/part-0000", []byte("not json"), "application/json")

	err := e.svc.ProcessPartition(ctx, ingest.PartitionTask{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1", PartitionID: "part-0000",
	})
	if err == nil {
		t.Fatal("ProcessPartition() should fail on a corrupt blob")
	}

	job := e.mustGetJob(t, "j1")
	if job.Status != ingest.StatusFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
}

func TestRun_TimeoutFallbackPartitionsRemainder(t *testing.T) {
	// With the warn threshold already in the past, the first cadence check
	// stops inline validation, persists the validated rows and spills the
	// rest into partitions.
	e := newEnv(t, ingest.Config{
		PartitionThreshold: 100,
		PartitionSize:      4,
		ProgressInterval:   5,
		WarnThreshold:      time.Nanosecond,
		ExecutionCeiling:   time.Minute,
	})
	ctx := context.Background()

	jobID, err := e.svc.StartUpload(ctx, "t1", "ws1", "clients.csv", validCSV(12))
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	e.waitDone(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != ingest.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", job.Status, job.ErrorMessage)
	}

	// 5 rows validated inline, 7 spilled into partitions of 4 and 3
	if job.TotalPartitions != 2 {
		t.Fatalf("TotalPartitions = %d, want 2", job.TotalPartitions)
	}
	wantBounds := [][2]int{{5, 9}, {9, 12}}
	for i, p := range job.Partitions {
		if p.StartIndex != wantBounds[i][0] || p.EndIndex != wantBounds[i][1] {
			t.Errorf("partition %d bounds = [%d,%d), want [%d,%d)",
				i, p.StartIndex, p.EndIndex, wantBounds[i][0], wantBounds[i][1])
		}
	}

	// No row lost or duplicated across the inline and partitioned halves
	if job.Stats.TotalRows != 12 || job.Stats.ValidRows != 12 {
		t.Errorf("Stats = %+v, want 12 total and valid", job.Stats)
	}
	if got := e.store.WorkspaceRecordCount("t1", "ws1"); got != 12 {
		t.Errorf("workspace record count = %d, want 12", got)
	}
}

// progressLog records every progress write in order.
type progressLog struct {
	*jobstore.Memory
	mu       sync.Mutex
	percents []int
}

func (p *progressLog) UpdateProgress(ctx context.Context, jobID string, pr ingest.Progress) error {
	p.mu.Lock()
	p.percents = append(p.percents, pr.Percent)
	p.mu.Unlock()
	return p.Memory.UpdateProgress(ctx, jobID, pr)
}

func TestRun_TimeoutFallbackProgressNeverDecreases(t *testing.T) {
	// Switching from the row scale to the partition scale must not report
	// a lower percent than validation already did.
	store := jobstore.NewMemory()
	store.AddWorkspace("t1", "ws1")
	log := &progressLog{Memory: store}
	blobs := blob.NewMemory()
	rec := &taskRecorder{}
	limiter := ingest.NewRunLimiter(2, time.Second)
	svc := ingest.NewService(log, blobs, rec, validate.New(), limiter, ingest.Config{
		PartitionThreshold: 100,
		PartitionSize:      4,
		ProgressInterval:   5,
		WarnThreshold:      time.Nanosecond,
		ExecutionCeiling:   time.Minute,
	})
	rec.inline = svc

	_, err := svc.StartUpload(context.Background(), "t1", "ws1", "clients.csv", validCSV(12))
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Limiter().WaitForDrain(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.percents) == 0 {
		t.Fatal("no progress writes recorded")
	}
	for i := 1; i < len(log.percents); i++ {
		if log.percents[i] < log.percents[i-1] {
			t.Errorf("percent dropped from %d to %d at write %d (sequence %v)",
				log.percents[i-1], log.percents[i], i, log.percents)
		}
	}
	if last := log.percents[len(log.percents)-1]; last != 100 {
		t.Errorf("final percent = %d, want 100", last)
	}
}

func TestRun_CancelObservedDuringValidation(t *testing.T) {
	store := jobstore.NewMemory()
	store.AddWorkspace("t1", "ws1")
	e := newEnvWithStore(t, store, ingest.Config{ProgressInterval: 5}, &cancellingValidator{store: store, atRow: 8})
	ctx := context.Background()

	jobID, err := e.svc.StartUpload(ctx, "t1", "ws1", "clients.csv", validCSV(40))
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	e.waitDone(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != ingest.StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", job.Status)
	}
	// The run stopped before the persistence phase
	if got := len(e.store.InsertGroups()); got != 0 {
		t.Errorf("cancelled run wrote %d groups, want 0", got)
	}
	// No completion stamp on a cancelled job
	if job.CompletedAt != nil {
		t.Error("CompletedAt should not be set on a cancelled job")
	}
}

// cancellingValidator cancels the job from the outside once validation
// reaches atRow, simulating a user cancel racing the run.
type cancellingValidator struct {
	store *jobstore.Memory
	atRow int
	jobID string
}

func (v *cancellingValidator) Validate(ctx context.Context, rec ingest.Record, rowNumber int) (ingest.Verdict, error) {
	if rowNumber == v.atRow && v.jobID != "" {
		_ = v.store.MarkCancelled(ctx, v.jobID, "tester")
	}
	return ingest.Verdict{IsValid: true}, nil
}

// newEnvWithStore wires a service around a caller-supplied store and
// validator. The validator learns the job ID through a creation hook.
func newEnvWithStore(t *testing.T, store *jobstore.Memory, cfg ingest.Config, v *cancellingValidator) *env {
	t.Helper()
	blobs := blob.NewMemory()
	rec := &taskRecorder{}
	limiter := ingest.NewRunLimiter(2, time.Second)
	hooked := &jobIDCapture{Memory: store, v: v}
	svc := ingest.NewService(hooked, blobs, rec, v, limiter, cfg)
	rec.inline = svc
	return &env{svc: svc, store: store, blobs: blobs, dispatched: rec}
}

// jobIDCapture passes CreateJob through while telling the validator which
// job ID to cancel.
type jobIDCapture struct {
	*jobstore.Memory
	v *cancellingValidator
}

func (c *jobIDCapture) CreateJob(ctx context.Context, job *ingest.JobRecord) error {
	c.v.jobID = job.JobID
	return c.Memory.CreateJob(ctx, job)
}
