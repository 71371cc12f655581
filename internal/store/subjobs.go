package store

import (
	"context"
	"database/sql"
	"errors"
)

func scanSubJob(row interface{ Scan(...any) error }) (*SubJob, error) {
	var sj SubJob
	if err := row.Scan(&sj.ID, &sj.ParentJobID, &sj.BatchIndex, &sj.FrameRange, &sj.Status,
		&sj.WorkerID, &sj.StartedAt, &sj.CompletedAt, &sj.ErrorMessage, &sj.RetryCount); err != nil {
		return nil, err
	}
	return &sj, nil
}

const subJobColumns = `id, parent_job_id, batch_index, frame_range, status, worker_id, started_at, completed_at, error_message, retry_count`

const subJobColumnsQualified = `sj.id, sj.parent_job_id, sj.batch_index, sj.frame_range, sj.status, sj.worker_id, sj.started_at, sj.completed_at, sj.error_message, sj.retry_count`

// GetSubJob returns a single SubJob by id.
func (s *Store) GetSubJob(ctx context.Context, id string) (*SubJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subJobColumns+` FROM sub_jobs WHERE id=?`, id)
	sj, err := scanSubJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sj, err
}

// ListSubJobs returns every SubJob belonging to a Job, ordered by batch index.
func (s *Store) ListSubJobs(ctx context.Context, jobID string) ([]*SubJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subJobColumns+` FROM sub_jobs WHERE parent_job_id=? ORDER BY batch_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SubJob
	for rows.Next() {
		sj, err := scanSubJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sj)
	}
	return out, rows.Err()
}

// ClaimNextSubJob selects one pending SubJob in priority order
// (critical > high > normal > low, tie-break by parent Job.created_at
// ascending, then by batch index ascending), marks it running with
// worker_id and started_at, and if the parent Job is still pending marks
// it running and stamps started_at too (spec §4.1).
//
// Returns (nil, nil) when no pending SubJob is available.
func (s *Store) ClaimNextSubJob(ctx context.Context, workerID string) (*SubJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+subJobColumnsQualified+`
		FROM sub_jobs sj
		JOIN jobs j ON j.id = sj.parent_job_id
		WHERE sj.status = ?
		ORDER BY
			CASE j.priority
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'low' THEN 3
				ELSE 2
			END ASC,
			j.created_at ASC,
			sj.batch_index ASC
		LIMIT 1`, SubJobPending)
	sj, err := scanSubJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=?, worker_id=?, started_at=CURRENT_TIMESTAMP WHERE id=?`,
		SubJobRunning, workerID, sj.ID); err != nil {
		return nil, err
	}

	var jobStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, sj.ParentJobID).Scan(&jobStatus); err != nil {
		return nil, err
	}
	if jobStatus == JobPending {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=COALESCE(started_at, CURRENT_TIMESTAMP) WHERE id=?`,
			JobRunning, sj.ParentJobID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sj.Status = SubJobRunning
	sj.WorkerID = sql.NullString{String: workerID, Valid: true}
	return sj, nil
}

// ClaimCandidates returns up to n pending SubJobs in priority order without
// assigning them, for the Dispatcher's ready-cache prefetch (spec §4.2).
func (s *Store) ClaimCandidates(ctx context.Context, n int) ([]*SubJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subJobColumnsQualified+`
		FROM sub_jobs sj
		JOIN jobs j ON j.id = sj.parent_job_id
		WHERE sj.status = ?
		ORDER BY
			CASE j.priority
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'low' THEN 3
				ELSE 2
			END ASC,
			j.created_at ASC,
			sj.batch_index ASC
		LIMIT ?`, SubJobPending, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SubJob
	for rows.Next() {
		sj, err := scanSubJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sj)
	}
	return out, rows.Err()
}

// ClaimSpecific attempts to claim a specific pending SubJob for workerID,
// used when the Dispatcher's ready cache hands back a candidate that must
// still be claimed through the Store atomically (spec §4.2 "Subsequent
// pulls test the cache first and, if they hit, atomically claim through the
// Store"). Returns (nil, nil) if the SubJob is no longer pending (another
// caller won the race).
func (s *Store) ClaimSpecific(ctx context.Context, subJobID, workerID string) (*SubJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+subJobColumns+` FROM sub_jobs WHERE id=? AND status=?`, subJobID, SubJobPending)
	sj, err := scanSubJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=?, worker_id=?, started_at=CURRENT_TIMESTAMP WHERE id=?`,
		SubJobRunning, workerID, sj.ID); err != nil {
		return nil, err
	}
	var jobStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, sj.ParentJobID).Scan(&jobStatus); err != nil {
		return nil, err
	}
	if jobStatus == JobPending {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=COALESCE(started_at, CURRENT_TIMESTAMP) WHERE id=?`,
			JobRunning, sj.ParentJobID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sj.Status = SubJobRunning
	sj.WorkerID = sql.NullString{String: workerID, Valid: true}
	return sj, nil
}

// CompleteSubJob sets a SubJob terminal and recomputes the parent Job's
// progress (invariants I1/I2). Reporting completion on a SubJob already
// terminal is a no-op that returns nil (property P6). Reporting completion
// from a worker that does not currently own the SubJob returns
// ErrNotAssigned (spec §5, reason "NotAssigned", 409 on the wire).
func (s *Store) CompleteSubJob(ctx context.Context, subJobID, workerID string, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+subJobColumns+` FROM sub_jobs WHERE id=?`, subJobID)
	sj, err := scanSubJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	switch sj.Status {
	case SubJobCompleted, SubJobFailed, SubJobCancelled:
		// Already terminal: idempotent no-op (P6).
		return tx.Commit()
	case SubJobRunning:
		if !sj.WorkerID.Valid || sj.WorkerID.String != workerID {
			return ErrNotAssigned
		}
	default:
		// pending/paused: a worker reporting on a SubJob that was never
		// assigned to it (e.g. after a reclaim race) is also not assigned.
		return ErrNotAssigned
	}

	status := SubJobCompleted
	var errVal sql.NullString
	if !success {
		status = SubJobFailed
		errVal = sql.NullString{String: errMsg, Valid: errMsg != ""}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?`,
		status, errVal, subJobID); err != nil {
		return err
	}
	if err := recomputeJobProgress(ctx, tx, sj.ParentJobID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReclaimLostWorkers returns SubJobs in `running` whose assigned worker has
// had no heartbeat for at least reclaimWindow back to `pending`, clearing
// worker_id and incrementing retry_count. A SubJob whose retry_count would
// exceed maxRetries instead transitions to `failed` with reason
// LostWorker (spec §7). Returns the ids reclaimed to pending and the ids
// that were failed out, for the caller to log/telemetry.
func (s *Store) ReclaimLostWorkers(ctx context.Context, reclaimWindowSeconds, maxRetries int) (reclaimed, failedOut []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT sj.id, sj.parent_job_id, sj.retry_count
		FROM sub_jobs sj
		JOIN workers w ON w.id = sj.worker_id
		WHERE sj.status = ?
		  AND (strftime('%s','now') - strftime('%s', w.last_heartbeat)) >= ?`,
		SubJobRunning, reclaimWindowSeconds)
	if err != nil {
		return nil, nil, err
	}
	type lost struct {
		id, jobID string
		retry     int
	}
	var losts []lost
	for rows.Next() {
		var l lost
		if err := rows.Scan(&l.id, &l.jobID, &l.retry); err != nil {
			rows.Close()
			return nil, nil, err
		}
		losts = append(losts, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	touched := map[string]bool{}
	for _, l := range losts {
		if l.retry+1 > maxRetries {
			if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=?, worker_id=NULL, error_message=?, retry_count=? WHERE id=?`,
				SubJobFailed, "LostWorker", l.retry+1, l.id); err != nil {
				return nil, nil, err
			}
			failedOut = append(failedOut, l.id)
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=?, worker_id=NULL, retry_count=? WHERE id=?`,
				SubJobPending, l.retry+1, l.id); err != nil {
				return nil, nil, err
			}
			reclaimed = append(reclaimed, l.id)
		}
		touched[l.jobID] = true
	}
	for jobID := range touched {
		if err := recomputeJobProgress(ctx, tx, jobID); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return reclaimed, failedOut, nil
}
