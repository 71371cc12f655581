package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a Job, SubJob or Worker id is unknown.
var ErrNotFound = errors.New("not found")

// ErrNotAssigned is returned when a completion is reported by a worker that
// does not currently own the SubJob (invariant I3, spec §5 ordering
// guarantees).
var ErrNotAssigned = errors.New("sub-job not assigned to this worker")

// Open opens (and creates if absent) the embedded sqlite database at path
// and applies pending migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // one connection: every query, read or write, waits its turn for it
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Store wraps the embedded database. All write paths that span more than
// one statement acquire mu first, making multi-statement operations
// (claim-next, report-complete) serializable as spec §4.1 requires.
// Reads do not take mu, but with the pool capped at one connection (Open)
// they still run one at a time and wait behind any open write transaction.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New wraps an already-open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertJob inserts a Job and its SubJobs in a single transaction so both
// appear atomically (spec §4.1 "InsertJob").
func (s *Store) InsertJob(ctx context.Context, job *Job, subjobs []*SubJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	extraJSON, err := json.Marshal(job.Extra)
	if err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(
		id, title, renderer, priority, exec_path, file_path, frame_range, batch_size,
		extra_args, enable_path_translation, network_share, all_workers, specific_pool,
		extra_json, status, progress
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0)`,
		job.ID, job.Title, job.Renderer, job.Priority, job.ExecPath, job.FilePath, job.FrameRange, job.BatchSize,
		job.ExtraArgs, boolToInt(job.EnablePathTranslation), job.NetworkShare, boolToInt(job.AllWorkers), job.SpecificPool,
		string(extraJSON), job.Status)
	if err != nil {
		return err
	}
	for _, sj := range subjobs {
		if sj.Status == "" {
			sj.Status = SubJobPending
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sub_jobs(id, parent_job_id, batch_index, frame_range, status) VALUES(?,?,?,?,?)`,
			sj.ID, job.ID, sj.BatchIndex, sj.FrameRange, sj.Status)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var extraJSON string
	var enablePT, allWorkers int
	if err := row.Scan(
		&j.ID, &j.Title, &j.Renderer, &j.Priority, &j.ExecPath, &j.FilePath, &j.FrameRange, &j.BatchSize,
		&j.ExtraArgs, &enablePT, &j.NetworkShare, &allWorkers, &j.SpecificPool,
		&extraJSON, &j.Status, &j.Progress, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.EnablePathTranslation = enablePT != 0
	j.AllWorkers = allWorkers != 0
	j.Extra = map[string]string{}
	_ = json.Unmarshal([]byte(extraJSON), &j.Extra)
	return &j, nil
}

const jobColumns = `id, title, renderer, priority, exec_path, file_path, frame_range, batch_size,
	extra_args, enable_path_translation, network_share, all_workers, specific_pool,
	extra_json, status, progress, created_at, started_at, completed_at`

// GetJob returns a single Job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs returns all jobs, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// recomputeJobProgress updates a Job's progress and status from its SubJobs,
// enforcing invariants I1 and I2. Must be called with mu held and inside tx.
func recomputeJobProgress(ctx context.Context, tx *sql.Tx, jobID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT status FROM sub_jobs WHERE parent_job_id=?`, jobID)
	if err != nil {
		return err
	}
	var total, completed, running, failed, cancelled int
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return err
		}
		total++
		switch st {
		case SubJobCompleted:
			completed++
		case SubJobRunning:
			running++
		case SubJobFailed:
			failed++
		case SubJobCancelled:
			cancelled++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if total == 0 {
		return nil
	}
	progress := float64(completed) / float64(total)

	var status string
	terminal := completed + failed + cancelled
	switch {
	case terminal == total && completed == total:
		status = JobCompleted
	case terminal == total && failed > 0:
		status = JobFailed
	case terminal == total:
		status = JobCancelled
	case running > 0:
		status = JobRunning
	default:
		status = JobPending
	}

	terminalStatus := status == JobCompleted || status == JobFailed || status == JobCancelled
	if terminalStatus {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET progress=?, status=?, completed_at=COALESCE(completed_at, CURRENT_TIMESTAMP) WHERE id=?`, progress, status, jobID)
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET progress=?, status=? WHERE id=?`, progress, status, jobID)
	return err
}

// ClearCompleted removes every completed Job and its SubJobs transactionally
// (spec §8 scenario 5).
func (s *Store) ClearCompleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sub_jobs WHERE parent_job_id IN (SELECT id FROM jobs WHERE status=?)`, JobCompleted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE status=?`, JobCompleted); err != nil {
		return err
	}
	return tx.Commit()
}

// PauseJob transitions a Job's running and pending SubJobs to paused.
func (s *Store) PauseJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=? WHERE parent_job_id=? AND status IN (?,?)`, SubJobPaused, jobID, SubJobRunning, SubJobPending); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=? WHERE id=?`, JobPaused, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// ResumeJob transitions a Job's paused SubJobs back to pending (not
// running; the Dispatcher re-issues them per spec §4.1).
func (s *Store) ResumeJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=? WHERE parent_job_id=? AND status=?`, SubJobPending, jobID, SubJobPaused); err != nil {
		return err
	}
	if err := recomputeJobProgress(ctx, tx, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelJob transitions every non-terminal SubJob of a Job to cancelled. If
// jobID is empty, every non-terminal SubJob across all Jobs is cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var jobIDs []string
	if jobID != "" {
		jobIDs = []string{jobID}
		if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=? WHERE parent_job_id=? AND status NOT IN (?,?,?)`,
			SubJobCancelled, jobID, SubJobCompleted, SubJobFailed, SubJobCancelled); err != nil {
			return err
		}
	} else {
		rows, err := tx.QueryContext(ctx, `SELECT DISTINCT parent_job_id FROM sub_jobs WHERE status NOT IN (?,?,?)`, SubJobCompleted, SubJobFailed, SubJobCancelled)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			jobIDs = append(jobIDs, id)
		}
		rows.Close()
		if _, err := tx.ExecContext(ctx, `UPDATE sub_jobs SET status=? WHERE status NOT IN (?,?,?)`,
			SubJobCancelled, SubJobCompleted, SubJobFailed, SubJobCancelled); err != nil {
			return err
		}
	}
	for _, id := range jobIDs {
		if err := recomputeJobProgress(ctx, tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// withWriteLock runs fn with mu held, giving a caller the same
// serialization guarantee as the methods above.
func (s *Store) withWriteLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}
