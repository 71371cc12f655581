package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"renderfarm/internal/store"
)

// rendererProbe describes how to locate one renderer kind's executable
// and capture a short version string (spec §4.3 "detect capabilities").
type rendererProbe struct {
	kind        string
	candidates  []string // executable names/paths tried in order
	versionArgs []string
}

// knownRenderers lists the probe table for the three declared kinds
// (spec §6). Candidate paths are generic executable names; a real
// deployment typically points Job.ExecPath at an explicit install path,
// but the worker still records whatever it can find locally so
// /workers/register reports an honest capability set.
var knownRenderers = []rendererProbe{
	{kind: "A", candidates: []string{"nuke", "Nuke"}, versionArgs: []string{"--version"}},
	{kind: "B", candidates: []string{"mocha", "mochapro"}, versionArgs: []string{"-version"}},
	{kind: "C", candidates: []string{"fusion", "Fusion"}, versionArgs: []string{"-v"}},
}

// DetectCapabilities measures platform/CPU/memory/disk and looks up each
// supported renderer's executable names on PATH (spec §4.3); install
// directories outside PATH are not searched. The
// round-trip latency to the Dispatcher is measured separately by the
// caller (Client.Ping) and attached to the returned value's
// NetworkLatencyMs field before registration, since it requires a live
// Dispatcher connection this package doesn't own.
// diskPath is the filesystem to report free space for (typically the
// worker's scratch directory).
func DetectCapabilities(ctx context.Context, diskPath string) (store.Capabilities, error) {
	caps := store.Capabilities{
		Platform:  runtime.GOOS,
		Renderers: map[string]string{},
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.CPUCount = n
	} else {
		caps.CPUCount = runtime.NumCPU()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryGB = bytesToGB(vm.Total)
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		caps.DiskGB = bytesToGB(du.Free)
	}

	for _, probe := range knownRenderers {
		if path, version := probeRenderer(ctx, probe); path != "" {
			caps.Renderers[probe.kind] = version
			_ = path // detected location isn't surfaced on the wire, only kind->version
		}
	}

	return caps, nil
}

func bytesToGB(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

// probeRenderer looks up each candidate on PATH, returning the resolved
// path and a short version string captured from versionArgs. A renderer
// that cannot be found or whose version probe errors is simply absent
// from the capability set; it does not fail startup (spec §4.3 is
// best-effort about renderer detection, matching the teacher's texture
// of gracefully degrading optional probes).
func probeRenderer(ctx context.Context, p rendererProbe) (path, version string) {
	for _, candidate := range p.candidates {
		resolved, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, _ := exec.CommandContext(vctx, resolved, p.versionArgs...).CombinedOutput()
		cancel()
		v := strings.TrimSpace(firstLine(string(out)))
		if v == "" {
			v = "unknown"
		}
		return resolved, v
	}
	return "", ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// HasRenderer reports whether kind is among the detected renderers
// (spec §4.3.1 step "RendererUnavailable" fast-fail check).
func HasRenderer(caps store.Capabilities, kind string) bool {
	_, ok := caps.Renderers[kind]
	return ok
}

// AutoMaxConcurrentJobs implements spec §4.3's auto-sizing rule:
// min(floor(mem_gb*0.8 / mem_per_job_gb), floor(cpu_count*0.75), 12),
// with a higher ceiling on big machines (>=32GB RAM).
func AutoMaxConcurrentJobs(memGB float64, cpuCount int, memPerJobGB float64) int {
	if memPerJobGB <= 0 {
		memPerJobGB = 4
	}
	ceiling := 12
	if memGB >= 32 {
		ceiling = 24
	}
	byMem := int(memGB * 0.8 / memPerJobGB)
	byCPU := int(float64(cpuCount) * 0.75)
	n := byMem
	if byCPU < n {
		n = byCPU
	}
	if n > ceiling {
		n = ceiling
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Hostname returns the local hostname, falling back to "unknown-host"
// if lookup fails (spec §4.3 registration payload).
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}

// ScratchDir returns (and creates) the worker's local scratch directory
// used for path-translation fallbacks and temp file cleanup (spec §9
// "Path handling").
func ScratchDir(base string) (string, error) {
	dir := filepath.Join(base, "scratch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}
