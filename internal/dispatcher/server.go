// Package dispatcher implements the coordinator HTTP service: worker
// registration and heartbeat, SubJob assignment and completion, job
// submission and lifecycle management, and the periodic sweep that reclaims
// lost work (spec §4.2).
package dispatcher

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"renderfarm/internal/authsecret"
	"renderfarm/internal/httpx"
	"renderfarm/internal/store"
)

// heartbeatWindow is the "H" of spec §4.2's online derivation: cache
// timestamp within H+buffer is online.
const (
	heartbeatWindow       = 10 * time.Second
	heartbeatOnlineBuffer = 60 * time.Second
	reclaimWindow         = 90 * time.Second
	forgetWindow          = time.Hour
	maxRetries            = 3
	readyCachePrefetch    = 8 // N candidates pulled per Store miss, spec requires >= 2
)

// Dispatcher wires the Store to the HTTP surface and owns the process-wide
// ready/worker caches (spec §9 "Process-wide state").
type Dispatcher struct {
	store   *store.Store
	ready   *readyCache
	workers *workerCache

	startedAt time.Time

	latencyMu      sync.Mutex
	latencySamples []int64
	latencyP50     atomic.Int64
	latencyP95     atomic.Int64

	hbMu        sync.Mutex
	hbLimiters  map[string]*rate.Sometimes
}

// New builds a Dispatcher over an already-migrated Store.
func New(st *store.Store) *Dispatcher {
	return &Dispatcher{
		store:      st,
		ready:      newReadyCache(defaultCacheSize, defaultCacheTTL),
		workers:    newWorkerCache(defaultCacheSize, defaultCacheTTL),
		startedAt:  time.Now(),
		hbLimiters: make(map[string]*rate.Sometimes),
	}
}

// shouldWriteHeartbeat reports whether this worker's heartbeat is due a
// Store write, rate-limited to once per 30s per worker (spec §4.2
// "Heartbeat policy") to cut I/O; the cache is updated unconditionally by
// the caller regardless of this result. Each worker gets its own
// rate.Sometimes so a burst of heartbeats from one worker never starves
// another's write-through.
func (d *Dispatcher) shouldWriteHeartbeat(workerID string) bool {
	d.hbMu.Lock()
	lim, ok := d.hbLimiters[workerID]
	if !ok {
		lim = &rate.Sometimes{Interval: 30 * time.Second}
		d.hbLimiters[workerID] = lim
	}
	d.hbMu.Unlock()

	wrote := false
	lim.Do(func() { wrote = true })
	return wrote
}

// Router builds the HTTP handler tree.
func (d *Dispatcher) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(d.recordLatency)
	r.Use(securityHeaders)
	r.Use(corsAnyOrigin)
	r.Use(d.requireSharedSecret)

	r.Get("/status", d.statusHandler)

	r.Post("/workers/register", d.registerWorkerHandler)
	r.Post("/workers/heartbeat", d.heartbeatHandler)
	r.Get("/jobs/next", d.jobsNextHandler)
	r.Post("/jobs/complete", d.jobsCompleteHandler)

	r.Post("/jobs", d.submitJobHandler)
	r.Get("/jobs", d.listJobsHandler)
	r.Get("/jobs/{id}", d.getJobHandler)
	r.Get("/jobs/{id}/sub_jobs", d.listSubJobsHandler)
	r.Post("/jobs/{id}/pause", d.pauseJobHandler)
	r.Post("/jobs/{id}/resume", d.resumeJobHandler)
	r.Post("/jobs/{id}/cancel", d.cancelJobHandler)
	r.Post("/jobs/cancel", d.cancelJobHandler)
	r.Post("/jobs/clear_completed", d.clearCompletedHandler)

	r.Get("/workers", d.listWorkersHandler)
	r.Delete("/workers/{id}", d.removeWorkerHandler)

	return r
}

type requestIDCtxKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// recordLatency keeps a rolling p50/p95 sample used by /status, the same
// fixed-window approach the teacher's handler package uses.
func (d *Dispatcher) recordLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start).Milliseconds()

		d.latencyMu.Lock()
		d.latencySamples = append(d.latencySamples, dur)
		if len(d.latencySamples) > 200 {
			d.latencySamples = d.latencySamples[1:]
		}
		samples := append([]int64(nil), d.latencySamples...)
		d.latencyMu.Unlock()

		if len(samples) == 0 {
			return
		}
		sortInt64(samples)
		d.latencyP50.Store(samples[len(samples)/2])
		idx := (len(samples) * 95) / 100
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		d.latencyP95.Store(samples[idx])
	})
}

func sortInt64(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// corsAnyOrigin allows cross-origin calls from any origin (spec §6).
func corsAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-Request-ID,X-Render-Secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSharedSecret enforces the optional X-Render-Secret header when an
// operator has configured one (internal/authsecret). Absent configuration,
// the check is a no-op so a fresh install is immediately usable.
func (d *Dispatcher) requireSharedSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configured, err := authsecret.Exists()
		if err != nil || !configured {
			next.ServeHTTP(w, r)
			return
		}
		secret, err := authsecret.Get()
		if err != nil || subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Render-Secret")), []byte(secret)) != 1 {
			httpx.Write(w, r, httpx.Unauthorized("missing or invalid X-Render-Secret header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
