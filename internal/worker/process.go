package worker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/rs/zerolog/log"
)

// interruptSignal returns the signal used to politely ask the renderer
// to stop before the 5s grace period elapses and it gets killed
// outright (spec §4.3 step 4 "send terminate, wait 5s, then kill").
func interruptSignal() os.Signal {
	return os.Interrupt
}

// RunResult is the outcome of supervising one renderer subprocess (spec
// §4.3 step 4-5).
type RunResult struct {
	ExitCode     int
	TimedOut     bool
	Stdout       string
	Stderr       string
	Duration     time.Duration
	PeakMemoryMB float64
}

// RunRenderer spawns argv[0] with argv[1:] in workDir, samples RSS every
// second tracking the peak, and enforces timeout by sending an interrupt
// then, after a 5s grace period, killing the process outright (spec §4.3
// step 4 "Supervise"). Uses direct child-process APIs with explicit
// deadlines and sampled RSS polling rather than assuming the renderer
// prints parseable progress (spec §9).
func RunRenderer(ctx context.Context, argv []string, workDir string, timeout time.Duration) (RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, err
	}

	peakMB := new(float64)
	samplerDone := make(chan struct{})
	go sampleRSS(ctx, cmd.Process.Pid, peakMB, samplerDone)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	var err error
	select {
	case err = <-waitErr:
	case <-timer.C:
		timedOut = true
		log.Warn().Strs("argv", argv).Dur("timeout", timeout).Msg("renderer exceeded timeout, terminating")
		_ = cmd.Process.Signal(interruptSignal())
		select {
		case err = <-waitErr:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			err = <-waitErr
		}
	}
	cancel()
	<-samplerDone

	res := RunResult{
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		Duration:     time.Since(start),
		TimedOut:     timedOut,
		PeakMemoryMB: *peakMB,
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if err == nil {
		res.ExitCode = 0
	} else {
		res.ExitCode = -1
	}
	return res, nil
}

// sampleRSS polls the child's resident memory once a second, recording
// the peak into *peakMB, until ctx is cancelled (spec §4.3 step 4
// "sample child RSS every 1s, track peak").
func sampleRSS(ctx context.Context, pid int, peakMB *float64, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proc, err := process.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			info, err := proc.MemoryInfo()
			if err != nil || info == nil {
				continue
			}
			mb := float64(info.RSS) / (1024 * 1024)
			if mb > *peakMB {
				*peakMB = mb
			}
		}
	}
}
