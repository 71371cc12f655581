package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"renderfarm/internal/store"
)

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', 1, 64) }
func formatInt(n int64) string     { return strconv.FormatInt(n, 10) }

// Runtime is the Worker's long-running process: registration already
// happened by the time Run is called; Run drives the main poll loop and
// the independent heartbeat and cleanup background tasks (spec §4.3
// "Main loop", "Background tasks"). Resource metrics are sampled inside
// each heartbeat; there is no separate metrics-logging loop.
type Runtime struct {
	Client     *Client
	WorkerID   string
	Config     Config
	Caps       store.Capabilities
	ScratchDir string
	Executor   *Executor
	History    *RenderHistory

	sem chan struct{}

	mu         sync.Mutex
	inFlight   map[string]struct{}
	assetCache *AssetCache
}

// NewRuntime wires a Runtime from its dependencies, sizing the
// concurrency semaphore from cfg.MaxConcurrentJobs, or from
// AutoMaxConcurrentJobs when that is <= 0 (spec §4.3's auto-sizing rule).
func NewRuntime(client *Client, workerID string, cfg Config, caps store.Capabilities, scratchDir string, assetCache *AssetCache, bufPool *BufferPool, history *RenderHistory) *Runtime {
	maxJobs := cfg.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = AutoMaxConcurrentJobs(caps.MemoryGB, caps.CPUCount, cfg.MemPerJobGB)
	}
	return &Runtime{
		Client:     client,
		WorkerID:   workerID,
		Config:     cfg,
		Caps:       caps,
		ScratchDir: scratchDir,
		History:    history,
		assetCache: assetCache,
		sem:        make(chan struct{}, maxJobs),
		inFlight:   make(map[string]struct{}),
		Executor: &Executor{
			Client:     client,
			WorkerID:   workerID,
			Caps:       caps,
			Config:     cfg,
			ScratchDir: scratchDir,
			AssetCache: assetCache,
			BufferPool: bufPool,
			History:    history,
		},
	}
}

// Run blocks until ctx is cancelled, driving the poll loop and the
// heartbeat/cleanup background tasks as independent goroutines (spec
// §5 "heartbeat, metrics, cleanup, and render tasks each run
// independently").
func (rt *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); rt.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); rt.cleanupLoop(ctx) }()
	rt.pollLoop(ctx)
	wg.Wait()
}

// pollLoop is the Worker's main loop: while running, if current-job
// count is below the concurrency cap and local resources admit, pull a
// SubJob and launch it in a goroutine; otherwise wait out the poll
// interval (spec §4.3 "Main loop").
func (rt *Runtime) pollLoop(ctx context.Context) {
	interval := adaptivePollInterval(rt.Caps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.tryPull(ctx)
		}
	}
}

func (rt *Runtime) tryPull(ctx context.Context) {
	select {
	case rt.sem <- struct{}{}:
	default:
		return // at concurrency cap
	}

	resources, err := SampleLocalResources(ctx, rt.ScratchDir)
	if err != nil || !Admit(resources, rt.Config.ResourceLimits) {
		<-rt.sem
		return
	}

	desc, err := rt.Client.Next(ctx, rt.WorkerID)
	if err != nil {
		log.Warn().Err(err).Msg("jobs/next failed")
		<-rt.sem
		return
	}
	if desc == nil {
		<-rt.sem
		return
	}

	rt.mu.Lock()
	rt.inFlight[desc.SubJobID] = struct{}{}
	rt.mu.Unlock()

	go func() {
		defer func() {
			rt.mu.Lock()
			delete(rt.inFlight, desc.SubJobID)
			rt.mu.Unlock()
			<-rt.sem
		}()
		rt.Executor.Execute(ctx, desc)
	}()
}

// adaptivePollInterval scales the pull-poll cadence with machine size:
// a beefy render node polls more eagerly, a small one backs off (spec
// §4.3 "Poll interval adapts to the machine size (5-30s)").
func adaptivePollInterval(caps store.Capabilities) time.Duration {
	switch {
	case caps.CPUCount >= 32:
		return 5 * time.Second
	case caps.CPUCount >= 16:
		return 10 * time.Second
	case caps.CPUCount >= 8:
		return 15 * time.Second
	default:
		return 30 * time.Second
	}
}

// heartbeatLoop sends liveness, metrics, and in-flight SubJob ids every
// Config.HeartbeatInterval seconds (spec §4.3 "heartbeat loop").
func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(rt.Config.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.sendHeartbeat(ctx)
		}
	}
}

func (rt *Runtime) sendHeartbeat(ctx context.Context) {
	rt.mu.Lock()
	jobs := make([]string, 0, len(rt.inFlight))
	for id := range rt.inFlight {
		jobs = append(jobs, id)
	}
	rt.mu.Unlock()

	status := "idle"
	if len(jobs) > 0 {
		status = "busy"
	}

	metrics := map[string]string{}
	if resources, err := SampleLocalResources(ctx, rt.ScratchDir); err == nil {
		metrics["memory_percent"] = formatFloat(resources.MemoryPercent)
		metrics["cpu_percent"] = formatFloat(resources.CPUPercent)
		metrics["free_disk_gb"] = formatFloat(resources.FreeDiskGB)
	}
	if rt.assetCache != nil {
		hits, misses := rt.assetCache.Stats()
		metrics["asset_cache_hits"] = formatInt(hits)
		metrics["asset_cache_misses"] = formatInt(misses)
	}

	if err := rt.Client.Heartbeat(ctx, rt.WorkerID, metrics, jobs, status); err != nil {
		log.Warn().Err(err).Msg("heartbeat failed")
	}
}

// cleanupLoop deletes scratch-directory temp files older than 24h on a
// fixed schedule (spec §4.3 "cleanup loop that deletes temp files older
// than 24h").
func (rt *Runtime) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	rt.cleanupOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.cleanupOnce()
		}
	}
}

func (rt *Runtime) cleanupOnce() {
	cutoff := time.Now().Add(-24 * time.Hour)
	entries, err := os.ReadDir(rt.ScratchDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(rt.ScratchDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("cleanup: remove stale temp file failed")
		}
	}
}
