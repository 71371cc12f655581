package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"renderfarm/internal/logx"
	"renderfarm/internal/telemetry"
	"renderfarm/internal/worker"
)

var (
	serverURL  string
	workerID   string
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Render-farm worker: pulls batches, runs the renderer, reports results",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Dispatcher base URL (required)")
	rootCmd.Flags().StringVar(&workerID, "worker-id", "", "worker id (default derived from hostname)")
	rootCmd.Flags().StringVar(&configPath, "config", "worker_config.json", "path to worker config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level")
	_ = rootCmd.MarkFlagRequired("server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("worker exited")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger()

	if workerID == "" {
		workerID = worker.Hostname()
	}

	cfg, err := worker.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	scratchDir, err := worker.ScratchDir(".")
	if err != nil {
		return fmt.Errorf("scratch dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caps, err := worker.DetectCapabilities(ctx, scratchDir)
	if err != nil {
		return fmt.Errorf("detect capabilities: %w", err)
	}
	log.Info().
		Str("platform", caps.Platform).
		Int("cpu_count", caps.CPUCount).
		Float64("memory_gb", caps.MemoryGB).
		Float64("disk_gb", caps.DiskGB).
		Int("renderers_detected", len(caps.Renderers)).
		Msg("detected local capabilities")

	client := worker.NewClient(serverURL, 15*time.Second)

	if rtt, err := client.Ping(ctx); err == nil {
		caps.NetworkLatencyMs = float64(rtt.Microseconds()) / 1000.0
		telemetry.Event("worker_dispatcher_latency", map[string]string{"rtt_ms": fmt.Sprintf("%d", rtt.Milliseconds())})
	} else {
		caps.NetworkLatencyMs = -1
		log.Warn().Err(err).Msg("could not reach dispatcher for initial latency probe")
	}

	ip := localIP()
	if err := client.Register(ctx, workerID, ip, worker.Hostname(), caps); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Info().Str("worker_id", workerID).Str("server", serverURL).Msg("registered with dispatcher")

	assetCache, err := worker.NewAssetCache(caps.MemoryGB, 16)
	if err != nil {
		return fmt.Errorf("build asset cache: %w", err)
	}
	bufSize, bufCount := worker.BufferPoolSizing(caps.MemoryGB)
	bufPool := worker.NewBufferPool(bufSize, bufCount)
	history := worker.NewRenderHistory()

	rt := worker.NewRuntime(client, workerID, cfg, caps, scratchDir, assetCache, bufPool, history)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down worker")
		cancel()
	}()

	rt.Run(ctx)
	return nil
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
