package dispatcher

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renderfarm/internal/httpx"
	"renderfarm/internal/store"
)

type registerRequest struct {
	WorkerID     string             `json:"worker_id"`
	IP           string             `json:"ip"`
	Hostname     string             `json:"hostname"`
	Capabilities store.Capabilities `json:"capabilities"`
}

func (d *Dispatcher) registerWorkerHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid json body"))
		return
	}
	if req.WorkerID == "" {
		httpx.Write(w, r, httpx.BadRequest("worker_id is required"))
		return
	}
	wk := &store.Worker{
		ID:           req.WorkerID,
		IP:           req.IP,
		Hostname:     req.Hostname,
		Capabilities: req.Capabilities,
		Status:       store.WorkerOnline,
	}
	if err := d.store.UpsertWorker(r.Context(), wk); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	d.workers.touch(req.WorkerID, "idle", nil)

	writeJSON(w, http.StatusOK, map[string]any{"status": "registered", "worker_id": req.WorkerID})
}

type heartbeatRequest struct {
	WorkerID      string            `json:"worker_id"`
	SystemMetrics map[string]string `json:"system_metrics,omitempty"`
	CurrentJobs   []string          `json:"current_jobs,omitempty"`
	Status        string            `json:"status,omitempty"`
}

func (d *Dispatcher) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid json body"))
		return
	}
	if req.WorkerID == "" {
		httpx.Write(w, r, httpx.BadRequest("worker_id is required"))
		return
	}

	status := req.Status
	if status == "" {
		status = "idle"
	}
	d.workers.touch(req.WorkerID, status, req.CurrentJobs)

	if d.shouldWriteHeartbeat(req.WorkerID) {
		if err := d.store.TouchWorker(r.Context(), req.WorkerID, nil); err != nil {
			httpx.Write(w, r, httpx.NotFound("unknown worker"))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"server_time": time.Now().UTC().Format(time.RFC3339),
		"cache_stats": cacheStats{ReadySize: d.ready.len(), WorkerSize: d.workers.len()},
	})
}

func (d *Dispatcher) listWorkersHandler(w http.ResponseWriter, r *http.Request) {
	workers, err := d.store.ListWorkers(r.Context())
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (d *Dispatcher) removeWorkerHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.store.RemoveWorker(r.Context(), id); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	d.workers.remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dispatcher) statusHandler(w http.ResponseWriter, r *http.Request) {
	var online int
	if n, ok := d.workers.onlineCount(heartbeatWindow + heartbeatOnlineBuffer); ok {
		online = n
	} else {
		n, err := d.store.CountOnlineWorkers(r.Context())
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		online = n
	}

	jobs, err := d.store.ListJobs(r.Context())
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "online",
		"online_workers": online,
		"total_jobs":    len(jobs),
		"server_time":   time.Now().UTC().Format(time.RFC3339),
		"cache_stats":   cacheStats{ReadySize: d.ready.len(), WorkerSize: d.workers.len()},
		"version":       "1.0.0",
		"latency_p50_ms": d.latencyP50.Load(),
		"latency_p95_ms": d.latencyP95.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
