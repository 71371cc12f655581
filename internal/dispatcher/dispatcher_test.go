package dispatcher

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"renderfarm/internal/store"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.New(db))
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitTestJob(t *testing.T, h http.Handler, priority string) map[string]any {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/jobs", map[string]any{
		"title":           "shot010",
		"renderer":        "A",
		"executable_path": "/opt/nuke/Nuke",
		"file_path":       "/proj/shot010.nk",
		"frame_range":     "1-6",
		"batch_size":      2,
		"priority":        priority,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit job: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var job map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func TestSubmitJobValidation(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()

	rec := doRequest(t, h, http.MethodPost, "/jobs", map[string]any{
		"renderer": "Z",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body=%s", rec.Code, rec.Body.String())
	}
}

func TestJobsNextExclusiveAssignment(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()
	submitTestJob(t, h, store.PriorityNormal)

	// Spec property P3: each SubJob is claimed by exactly one worker even
	// under concurrent /jobs/next calls.
	const workers = 6
	var wg sync.WaitGroup
	claims := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := doRequest(t, h, http.MethodGet, "/jobs/next?worker_id=w"+itoaDT(i), nil)
			if rec.Code == http.StatusOK {
				var desc map[string]any
				json.Unmarshal(rec.Body.Bytes(), &desc)
				claims[i] = desc["sub_job_id"].(string)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	total := 0
	for _, c := range claims {
		if c != "" {
			seen[c]++
			total++
		}
	}
	if total != 3 { // 1-6 batched by 2 => 3 sub-jobs
		t.Fatalf("expected 3 sub-jobs claimed total, got %d (claims=%v)", total, claims)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("sub-job %s claimed %d times, want exactly 1", id, n)
		}
	}
}

func itoaDT(i int) string {
	return string(rune('0' + i))
}

func TestJobsNextPriorityOvertake(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()

	submitTestJob(t, h, store.PriorityNormal)
	submitTestJob(t, h, store.PriorityCritical)

	rec := doRequest(t, h, http.MethodGet, "/jobs/next?worker_id=w1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var desc map[string]any
	json.Unmarshal(rec.Body.Bytes(), &desc)
	jobData := desc["job_data"].(map[string]any)
	if jobData["priority"] != store.PriorityCritical {
		t.Fatalf("expected critical job to be served first, got priority=%v", jobData["priority"])
	}
}

func TestJobsCompleteNotAssignedConflict(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()
	submitTestJob(t, h, store.PriorityNormal)

	rec := doRequest(t, h, http.MethodGet, "/jobs/next?worker_id=w1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim failed: %d", rec.Code)
	}
	var desc map[string]any
	json.Unmarshal(rec.Body.Bytes(), &desc)
	subJobID := desc["sub_job_id"].(string)

	rec = doRequest(t, h, http.MethodPost, "/jobs/complete", map[string]any{
		"sub_job_id": subJobID,
		"worker_id":  "w2",
		"success":    true,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body=%s", rec.Code, rec.Body.String())
	}
}

func TestJobsCompleteIdempotentOnSecondCall(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()
	submitTestJob(t, h, store.PriorityNormal)

	rec := doRequest(t, h, http.MethodGet, "/jobs/next?worker_id=w1", nil)
	var desc map[string]any
	json.Unmarshal(rec.Body.Bytes(), &desc)
	subJobID := desc["sub_job_id"].(string)

	for i := 0; i < 2; i++ {
		rec = doRequest(t, h, http.MethodPost, "/jobs/complete", map[string]any{
			"sub_job_id": subJobID,
			"worker_id":  "w1",
			"success":    true,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d, body=%s", i, rec.Code, rec.Body.String())
		}
	}
}

func TestHeartbeatUnknownWorkerNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()

	// shouldWriteHeartbeat is true on first call per worker, so this hits
	// the Store's TouchWorker and observes the unknown-worker path.
	rec := doRequest(t, h, http.MethodPost, "/workers/heartbeat", map[string]any{
		"worker_id": "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body=%s", rec.Code, rec.Body.String())
	}
}

func TestRegisterThenListWorkers(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()

	rec := doRequest(t, h, http.MethodPost, "/workers/register", map[string]any{
		"worker_id": "w1",
		"ip":        "10.0.0.5",
		"hostname":  "render-01",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/workers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status=%d", rec.Code)
	}
	var workers []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if len(workers) != 1 || workers[0]["ID"] != "w1" {
		t.Fatalf("workers = %v", workers)
	}
}

func TestClearCompletedScenario(t *testing.T) {
	d := newTestDispatcher(t)
	h := d.Router()
	job := submitTestJob(t, h, store.PriorityNormal)
	jobID := job["ID"].(string)

	for {
		rec := doRequest(t, h, http.MethodGet, "/jobs/next?worker_id=w1", nil)
		if rec.Code == http.StatusNoContent {
			break
		}
		var desc map[string]any
		json.Unmarshal(rec.Body.Bytes(), &desc)
		subJobID := desc["sub_job_id"].(string)
		rec = doRequest(t, h, http.MethodPost, "/jobs/complete", map[string]any{
			"sub_job_id": subJobID,
			"worker_id":  "w1",
			"success":    true,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("complete: status=%d body=%s", rec.Code, rec.Body.String())
		}
	}

	rec := doRequest(t, h, http.MethodGet, "/jobs/"+jobID, nil)
	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["Status"] != store.JobCompleted {
		t.Fatalf("job status = %v, want completed", got["Status"])
	}

	rec = doRequest(t, h, http.MethodPost, "/jobs/clear_completed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear completed: status=%d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/jobs/"+jobID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected job gone, status=%d", rec.Code)
	}
}
