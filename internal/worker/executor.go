package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"renderfarm/internal/batching"
	"renderfarm/internal/store"
)

// Executor runs one SubJob end to end: admission was already checked by
// the caller (Runtime), so Execute covers steps 1-6 of spec §4.3's
// "Batch execution state machine" (validate renderer, build command,
// spawn, supervise, detect outputs, report, return resources).
type Executor struct {
	Client     *Client
	WorkerID   string
	Caps       store.Capabilities
	Config     Config
	ScratchDir string
	AssetCache *AssetCache
	BufferPool *BufferPool
	History    *RenderHistory
}

// Execute runs desc to completion and reports the outcome to the
// Dispatcher. It never returns an error to the caller: every failure
// mode is reported via Client.Complete so one bad SubJob can't take down
// the worker's main loop.
func (e *Executor) Execute(ctx context.Context, desc *SubJobDescriptor) {
	start := time.Now()
	kind, _ := desc.JobData["renderer"].(string)
	exePath, _ := desc.JobData["executable_path"].(string)
	filePath, _ := desc.JobData["file_path"].(string)
	extraArgs, _ := desc.JobData["extra_args"].(string)
	enablePT, _ := desc.JobData["enable_path_translation"].(bool)
	networkShare, _ := desc.JobData["network_share"].(string)

	if !HasRenderer(e.Caps, kind) {
		e.fail(ctx, desc, fmt.Sprintf("RendererUnavailable: renderer %q not detected on this worker", kind), nil, start)
		return
	}

	frames, err := batching.ParseFrameRange(desc.FrameRange)
	if err != nil || len(frames) == 0 {
		e.fail(ctx, desc, fmt.Sprintf("invalid frame_range %q: %v", desc.FrameRange, err), nil, start)
		return
	}
	startFrame, endFrame := frames[0], frames[len(frames)-1]

	projectPath := filePath
	if enablePT {
		projectPath = TranslatePaths(filePath, networkShare)
	}

	buf, haveBuf := e.BufferPool.Borrow()
	if haveBuf {
		defer e.BufferPool.Return(buf)
	}

	argv, err := BuildCommand(kind, exePath, projectPath, startFrame, endFrame, extraArgs)
	if err != nil {
		e.fail(ctx, desc, err.Error(), nil, start)
		return
	}

	workDir := SafeWorkDir(filepath.Dir(projectPath), e.ScratchDir)
	timeout := time.Duration(float64(len(frames))*e.Config.TimeoutPerFrame*e.Config.RendererMultiplier(kind)) * time.Second

	res, err := RunRenderer(ctx, argv, workDir, timeout)
	if err != nil {
		e.fail(ctx, desc, fmt.Sprintf("RendererFailed: failed to start renderer: %v", err), nil, start)
		return
	}

	if res.TimedOut {
		e.fail(ctx, desc, fmt.Sprintf("Timeout: exceeded %s budget", timeout), &res, start)
		return
	}
	if res.ExitCode != 0 {
		stderr := res.Stderr
		if len(stderr) > 2048 {
			stderr = stderr[:2048]
		}
		e.fail(ctx, desc, fmt.Sprintf("RendererFailed: exit code %d: %s", res.ExitCode, stderr), &res, start)
		return
	}

	outputs := DetectOutputs(kind, projectPath, frames)
	hits, misses := e.AssetCache.Stats()
	metrics := map[string]string{
		"render_time_s":    fmt.Sprintf("%.2f", time.Since(start).Seconds()),
		"frames_rendered":  strconv.Itoa(len(frames)),
		"memory_peak_mb":   fmt.Sprintf("%.1f", res.PeakMemoryMB),
		"output_count":     strconv.Itoa(outputs.TotalCount),
		"output_size_mb":   fmt.Sprintf("%.1f", outputs.TotalSizeMB),
		"cache_hits":       strconv.FormatInt(hits, 10),
		"cache_misses":     strconv.FormatInt(misses, 10),
	}

	if err := e.Client.Complete(ctx, desc.SubJobID, e.WorkerID, true, "", metrics); err != nil {
		log.Error().Err(err).Str("sub_job_id", desc.SubJobID).Msg("report completion failed")
	}
	e.History.Record(RenderRecord{
		SubJobID: desc.SubJobID, Success: true, Duration: time.Since(start), FinishedAt: time.Now(),
	})
}

func (e *Executor) fail(ctx context.Context, desc *SubJobDescriptor, reason string, res *RunResult, start time.Time) {
	log.Warn().Str("sub_job_id", desc.SubJobID).Str("reason", reason).Msg("sub-job failed")
	metrics := map[string]string{"render_time_s": fmt.Sprintf("%.2f", time.Since(start).Seconds())}
	if res != nil {
		metrics["memory_peak_mb"] = fmt.Sprintf("%.1f", res.PeakMemoryMB)
	}
	if err := e.Client.Complete(ctx, desc.SubJobID, e.WorkerID, false, reason, metrics); err != nil {
		log.Error().Err(err).Str("sub_job_id", desc.SubJobID).Msg("report failure completion failed")
	}
	e.History.Record(RenderRecord{
		SubJobID: desc.SubJobID, Success: false, Error: reason, Duration: time.Since(start), FinishedAt: time.Now(),
	})
}
