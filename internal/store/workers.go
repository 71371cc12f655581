package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// HeartbeatExpiry is the default window past which a worker with no fresher
// heartbeat is reported offline (spec §3 I4, §4.2).
const HeartbeatExpiry = 30 * time.Second

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var capsJSON string
	if err := row.Scan(&w.ID, &w.IP, &w.Hostname, &capsJSON, &w.Status, &w.LastHeartbeat); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(capsJSON), &w.Capabilities)
	return &w, nil
}

const workerColumns = `id, ip, hostname, capabilities_json, status, last_heartbeat`

// UpsertWorker creates or updates a Worker row on register.
func (s *Store) UpsertWorker(ctx context.Context, w *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workers(id, ip, hostname, capabilities_json, status, last_heartbeat)
		VALUES(?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET ip=excluded.ip, hostname=excluded.hostname,
			capabilities_json=excluded.capabilities_json, status=excluded.status, last_heartbeat=CURRENT_TIMESTAMP`,
		w.ID, w.IP, w.Hostname, string(capsJSON), WorkerOnline)
	return err
}

// TouchWorker updates a worker's last_heartbeat and status. Per spec §4.2
// the caller is responsible for rate-limiting how often this hits the
// Store; TouchWorker itself is unconditional so the cache's rate-limiting
// decision stays in the dispatcher package.
func (s *Store) TouchWorker(ctx context.Context, id string, caps *Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caps != nil {
		capsJSON, err := json.Marshal(*caps)
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat=CURRENT_TIMESTAMP, status=?, capabilities_json=? WHERE id=?`,
			WorkerOnline, string(capsJSON), id)
		if err != nil {
			return err
		}
		return checkRowsAffected(res)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat=CURRENT_TIMESTAMP, status=? WHERE id=?`, WorkerOnline, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveWorker deletes a worker row outright.
func (s *Store) RemoveWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id=?`, id)
	return err
}

// StopWorker marks a worker stopped so the sweep task's forget window can
// drop it later (spec §4.2 "Sweep task").
func (s *Store) StopWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status=? WHERE id=?`, WorkerStopped, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// GetWorker returns a worker by id with derived online/offline status.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	deriveWorkerStatus(w)
	return w, nil
}

// ListWorkers returns all workers with status derived from heartbeat age
// (invariant I4: the stored status column is advisory).
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		deriveWorkerStatus(w)
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountOnlineWorkers reports how many workers are within the heartbeat
// expiry window right now.
func (s *Store) CountOnlineWorkers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM workers WHERE status != ? AND (strftime('%s','now') - strftime('%s', last_heartbeat)) <= ?`,
		WorkerStopped, int(HeartbeatExpiry.Seconds())).Scan(&n)
	return n, err
}

func deriveWorkerStatus(w *Worker) {
	if w.Status == WorkerStopped {
		return
	}
	if time.Since(w.LastHeartbeat) <= HeartbeatExpiry {
		w.Status = WorkerOnline
	} else {
		w.Status = WorkerOffline
	}
}

// ForgetStoppedWorkers removes stopped workers whose last_heartbeat is
// beyond forgetWindowSeconds (spec §4.2 "Sweep task" step 3).
func (s *Store) ForgetStoppedWorkers(ctx context.Context, forgetWindowSeconds int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE status=? AND (strftime('%s','now') - strftime('%s', last_heartbeat)) >= ?`,
		WorkerStopped, forgetWindowSeconds)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
