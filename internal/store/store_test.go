package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func insertTestJob(t *testing.T, s *Store, priority string, nBatches int) *Job {
	t.Helper()
	job := &Job{
		ID:         priority + "-job",
		Title:      "t",
		Renderer:   "A",
		Priority:   priority,
		ExecPath:   "/bin/renderer",
		FilePath:   "/project.nk",
		FrameRange: "1-10",
		BatchSize:  2,
	}
	var subs []*SubJob
	for i := 1; i <= nBatches; i++ {
		subs = append(subs, &SubJob{
			ID:          priority + "-job_batch_00" + itoa(i),
			ParentJobID: job.ID,
			BatchIndex:  i,
			FrameRange:  "1-2",
		})
	}
	if err := s.InsertJob(context.Background(), job, subs); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

func itoa(i int) string {
	return string(rune('0' + i))
}

// TestClaimNextSubJobPriorityOrder exercises spec §8 scenario 2: a
// critical job submitted after a normal job is still served first.
func TestClaimNextSubJobPriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestJob(t, s, PriorityNormal, 3)
	time.Sleep(10 * time.Millisecond) // created_at has one-second resolution, so the order below rests on priority
	insertTestJob(t, s, PriorityCritical, 2)

	var order []string
	for i := 0; i < 5; i++ {
		sj, err := s.ClaimNextSubJob(ctx, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if sj == nil {
			t.Fatalf("expected a sub-job at step %d", i)
		}
		order = append(order, sj.ID)
	}
	want := []string{
		"critical-job_batch_001", "critical-job_batch_002",
		"normal-job_batch_001", "normal-job_batch_002", "normal-job_batch_003",
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("pull %d = %q, want %q (full order: %v)", i, order[i], id, order)
		}
	}

	if sj, err := s.ClaimNextSubJob(ctx, "w1"); err != nil || sj != nil {
		t.Fatalf("expected no more sub-jobs, got %+v err=%v", sj, err)
	}
}

// TestCompleteSubJobIdempotent exercises property P6: completing an
// already-terminal SubJob is a no-op.
func TestCompleteSubJobIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := insertTestJob(t, s, PriorityNormal, 1)

	sj, err := s.ClaimNextSubJob(ctx, "w1")
	if err != nil || sj == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteSubJob(ctx, sj.ID, "w1", true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobCompleted || got.Progress != 1.0 {
		t.Fatalf("job = %+v, want completed/1.0", got)
	}

	// Completing again must be a no-op (200, no mutation).
	if err := s.CompleteSubJob(ctx, sj.ID, "w1", true, ""); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	again, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if again.Progress != got.Progress || again.Status != got.Status {
		t.Fatalf("progress/status changed on idempotent complete: %+v vs %+v", again, got)
	}
}

// TestCompleteSubJobNotAssigned exercises spec §5's ordering guarantee:
// a completion from a worker that does not own the SubJob is rejected.
func TestCompleteSubJobNotAssigned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestJob(t, s, PriorityNormal, 1)

	sj, err := s.ClaimNextSubJob(ctx, "w1")
	if err != nil || sj == nil {
		t.Fatalf("claim: %v", err)
	}
	err = s.CompleteSubJob(ctx, sj.ID, "w2", true, "")
	if err != ErrNotAssigned {
		t.Fatalf("got err=%v, want ErrNotAssigned", err)
	}
}

func TestClearCompletedRemovesSubJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := insertTestJob(t, s, PriorityNormal, 1)
	sj, err := s.ClaimNextSubJob(ctx, "w1")
	if err != nil || sj == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteSubJob(ctx, sj.ID, "w1", true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.ClearCompleted(ctx); err != nil {
		t.Fatalf("clear completed: %v", err)
	}
	if _, err := s.GetJob(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("expected job to be gone, got err=%v", err)
	}
	if subs, err := s.ListSubJobs(ctx, job.ID); err != nil || len(subs) != 0 {
		t.Fatalf("expected no sub-jobs, got %v err=%v", subs, err)
	}
}

func TestReclaimLostWorkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestJob(t, s, PriorityNormal, 1)

	if err := s.UpsertWorker(ctx, &Worker{ID: "w1"}); err != nil {
		t.Fatalf("upsert worker: %v", err)
	}
	sj, err := s.ClaimNextSubJob(ctx, "w1")
	if err != nil || sj == nil {
		t.Fatalf("claim: %v", err)
	}

	// Force the worker's heartbeat far enough into the past to be reclaimable.
	if _, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = datetime('now', '-120 seconds') WHERE id='w1'`); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	reclaimed, failed, err := s.ReclaimLostWorkers(ctx, 90, 3)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || len(failed) != 0 {
		t.Fatalf("reclaimed=%v failed=%v, want one reclaimed", reclaimed, failed)
	}

	got, err := s.GetSubJob(ctx, sj.ID)
	if err != nil {
		t.Fatalf("get sub-job: %v", err)
	}
	if got.Status != SubJobPending || got.RetryCount != 1 || got.WorkerID.Valid {
		t.Fatalf("sub-job after reclaim = %+v", got)
	}

	// Sweeping again with no intervening heartbeat must be a no-op (P5).
	reclaimed2, failed2, err := s.ReclaimLostWorkers(ctx, 90, 3)
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if len(reclaimed2) != 0 || len(failed2) != 0 {
		t.Fatalf("expected idempotent reclaim, got reclaimed=%v failed=%v", reclaimed2, failed2)
	}
}
