package dispatcher

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"renderfarm/internal/batching"
	"renderfarm/internal/httpx"
	"renderfarm/internal/store"
)

var validate = validator.New()

type submitJobRequest struct {
	Title                 string            `json:"title" validate:"required"`
	Renderer              string            `json:"renderer" validate:"required,oneof=A B C"`
	ExecutablePath         string            `json:"executable_path" validate:"required"`
	FilePath               string            `json:"file_path" validate:"required"`
	FrameRange             string            `json:"frame_range" validate:"required"`
	BatchSize              int               `json:"batch_size" validate:"required,min=1"`
	Priority               string            `json:"priority" validate:"omitempty,oneof=critical high normal low"`
	ExtraArgs              string            `json:"extra_args"`
	EnablePathTranslation  bool              `json:"enable_path_translation"`
	NetworkShare           string            `json:"network_share"`
	AllWorkers             bool              `json:"all_workers"`
	SpecificPool           string            `json:"specific_pool"`
	Extra                  map[string]string `json:"extra,omitempty"`
}

func validatePayload(v any) *httpx.HTTPError {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return httpx.BadRequest("validation failed").WithDetails(fields)
		}
		return httpx.Internal(err)
	}
	return nil
}

func (d *Dispatcher) submitJobHandler(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid json body"))
		return
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if he := validatePayload(&req); he != nil {
		httpx.Write(w, r, he)
		return
	}

	batches, err := batching.Split(req.FrameRange, req.BatchSize)
	if err != nil {
		httpx.Write(w, r, httpx.BadRequest(err.Error()))
		return
	}

	job := &store.Job{
		ID:                    uuid.NewString(),
		Title:                 req.Title,
		Renderer:              req.Renderer,
		Priority:              req.Priority,
		ExecPath:              req.ExecutablePath,
		FilePath:              req.FilePath,
		FrameRange:            req.FrameRange,
		BatchSize:             req.BatchSize,
		ExtraArgs:             req.ExtraArgs,
		EnablePathTranslation: req.EnablePathTranslation,
		NetworkShare:          req.NetworkShare,
		AllWorkers:            req.AllWorkers,
		SpecificPool:          req.SpecificPool,
		Extra:                 req.Extra,
	}
	subjobs := make([]*store.SubJob, 0, len(batches))
	for _, b := range batches {
		subjobs = append(subjobs, &store.SubJob{
			ID:          uuid.NewString(),
			ParentJobID: job.ID,
			BatchIndex:  b.Index,
			FrameRange:  b.FrameRange(),
		})
	}

	if err := d.store.InsertJob(r.Context(), job, subjobs); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (d *Dispatcher) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.store.ListJobs(r.Context())
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (d *Dispatcher) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := d.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpx.Write(w, r, httpx.NotFound("unknown job"))
		return
	}
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (d *Dispatcher) listSubJobsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subjobs, err := d.store.ListSubJobs(r.Context(), id)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, subjobs)
}

func (d *Dispatcher) pauseJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.store.PauseJob(r.Context(), id); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (d *Dispatcher) resumeJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.store.ResumeJob(r.Context(), id); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (d *Dispatcher) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id") // empty on the global /jobs/cancel route
	if err := d.store.CancelJob(r.Context(), id); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (d *Dispatcher) clearCompletedHandler(w http.ResponseWriter, r *http.Request) {
	if err := d.store.ClearCompleted(r.Context()); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// subJobDescriptor is what /jobs/next hands to a worker (spec §4.2).
type subJobDescriptor struct {
	SubJobID    string         `json:"sub_job_id"`
	ParentJobID string         `json:"parent_job_id"`
	FrameRange  string         `json:"frame_range"`
	JobData     map[string]any `json:"job_data"`
}

func (d *Dispatcher) describeSubJob(sj *store.SubJob, job *store.Job) subJobDescriptor {
	jobData := map[string]any{
		"renderer":                job.Renderer,
		"executable_path":         job.ExecPath,
		"file_path":               job.FilePath,
		"extra_args":              job.ExtraArgs,
		"enable_path_translation": job.EnablePathTranslation,
		"network_share":           job.NetworkShare,
		"batch_size":              job.BatchSize,
		"frame_range":             job.FrameRange,
		"priority":                job.Priority,
		"all_workers":             job.AllWorkers,
		"specific_pool":           job.SpecificPool,
	}
	for k, v := range job.Extra {
		jobData[k] = v
	}
	return subJobDescriptor{
		SubJobID:    sj.ID,
		ParentJobID: sj.ParentJobID,
		FrameRange:  sj.FrameRange,
		JobData:     jobData,
	}
}

func (d *Dispatcher) jobsNextHandler(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		httpx.Write(w, r, httpx.BadRequest("worker_id is required"))
		return
	}

	// Test the ready cache first; fall back to claiming directly through
	// the Store on a miss (spec §4.2 "In-memory cache").
	if cand := d.ready.popFront(); cand != nil {
		claimed, err := d.store.ClaimSpecific(r.Context(), cand.ID, workerID)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if claimed != nil {
			d.respondWithClaim(w, r, claimed)
			return
		}
		// Lost the race; candidate is stale, fall through to a direct claim.
	}

	claimed, err := d.store.ClaimNextSubJob(r.Context(), workerID)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	if claimed == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	d.respondWithClaim(w, r, claimed)

	// Opportunistically prefetch more candidates for the next miss.
	if d.ready.len() < readyCachePrefetch {
		if more, err := d.store.ClaimCandidates(r.Context(), readyCachePrefetch); err == nil {
			for _, c := range more {
				if c.ID != claimed.ID {
					d.ready.put(c)
				}
			}
		}
	}
}

func (d *Dispatcher) respondWithClaim(w http.ResponseWriter, r *http.Request, sj *store.SubJob) {
	job, err := d.store.GetJob(r.Context(), sj.ParentJobID)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, d.describeSubJob(sj, job))
}

type completeRequest struct {
	SubJobID     string            `json:"sub_job_id"`
	WorkerID     string            `json:"worker_id"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metrics      map[string]string `json:"metrics,omitempty"`
}

func (d *Dispatcher) jobsCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid json body"))
		return
	}
	if req.SubJobID == "" || req.WorkerID == "" {
		httpx.Write(w, r, httpx.BadRequest("sub_job_id and worker_id are required"))
		return
	}

	err := d.store.CompleteSubJob(r.Context(), req.SubJobID, req.WorkerID, req.Success, req.ErrorMessage)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Write(w, r, httpx.NotFound("unknown sub-job"))
		return
	case errors.Is(err, store.ErrNotAssigned):
		httpx.Write(w, r, httpx.Conflict("sub-job not assigned to this worker"))
		return
	case err != nil:
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	d.ready.remove(req.SubJobID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
