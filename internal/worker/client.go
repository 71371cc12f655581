// Package worker implements the render-node process: capability detection,
// registration, the pull/execute/report loop, subprocess supervision,
// output detection, and the worker-local asset cache and buffer pool
// (spec §4.3).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"renderfarm/internal/store"
	"renderfarm/internal/telemetry"
)

const userAgent = "renderfarm-worker/1.0"

// Client talks to the Dispatcher's HTTP API (spec §4.2 public contract).
// Concurrent identical requests (same method, URL and body) are coalesced
// with singleflight into one round-trip, and network errors and 429/5xx
// responses are retried with exponential backoff.
type Client struct {
	http    *http.Client
	base    string
	sf      singleflight.Group
	mu      sync.Mutex
	backoff time.Duration
}

// NewClient returns a Client pointed at the Dispatcher's base URL.
func NewClient(base string, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	transport.MaxIdleConns = 20
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	return &Client{
		http: &http.Client{Timeout: timeout, Transport: transport},
		base: base,
	}
}

var randDuration = func(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

var sleep = time.Sleep

// Register posts worker identity and capabilities, retrying with
// exponential backoff (base 5s, factor = attempt) on failure, as spec
// §4.3 requires for the startup registration call specifically.
func (c *Client) Register(ctx context.Context, workerID, ip, hostname string, caps store.Capabilities) error {
	body, err := json.Marshal(map[string]any{
		"worker_id":    workerID,
		"ip":           ip,
		"hostname":     hostname,
		"capabilities": caps,
	})
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		_, err := c.post(ctx, "/workers/register", body)
		if err == nil {
			return nil
		}
		lastErr = err
		telemetry.Event("worker_register_retry", map[string]string{"attempt": strconv.Itoa(attempt), "error": err.Error()})
		sleep(time.Duration(attempt) * 5 * time.Second)
	}
	return fmt.Errorf("register: giving up after retries: %w", lastErr)
}

// Heartbeat reports liveness, metrics, and the in-flight SubJob ids.
func (c *Client) Heartbeat(ctx context.Context, workerID string, metrics map[string]string, currentJobs []string, status string) error {
	body, err := json.Marshal(map[string]any{
		"worker_id":      workerID,
		"system_metrics": metrics,
		"current_jobs":   currentJobs,
		"status":         status,
	})
	if err != nil {
		return err
	}
	_, err = c.post(ctx, "/workers/heartbeat", body)
	return err
}

// Ping measures round-trip latency to the Dispatcher's /status route,
// used once at startup during capability detection (spec §4.3 "measure
// round-trip latency to the Dispatcher").
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return time.Since(start), nil
}

// SubJobDescriptor mirrors the Dispatcher's /jobs/next response body.
type SubJobDescriptor struct {
	SubJobID    string         `json:"sub_job_id"`
	ParentJobID string         `json:"parent_job_id"`
	FrameRange  string         `json:"frame_range"`
	JobData     map[string]any `json:"job_data"`
}

// Next polls for a SubJob. A nil descriptor with a nil error means nothing
// was available (204).
func (c *Client) Next(ctx context.Context, workerID string) (*SubJobDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/jobs/next?worker_id="+workerID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jobs/next: unexpected status %d", resp.StatusCode)
	}
	var desc SubJobDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Complete reports a SubJob's terminal outcome.
func (c *Client) Complete(ctx context.Context, subJobID, workerID string, success bool, errMsg string, metrics map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"sub_job_id":    subJobID,
		"worker_id":     workerID,
		"success":       success,
		"error_message": errMsg,
		"metrics":       metrics,
	})
	if err != nil {
		return err
	}
	_, err = c.post(ctx, "/jobs/complete", body)
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return resp, nil
}

// do executes the request with retry/backoff on 429/5xx and network errors,
// coalescing identical (same method, URL and body) in-flight requests via
// singleflight.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	key := req.Method + " " + req.URL.String()
	if req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			b, _ := io.ReadAll(rc)
			key += " " + string(b)
		}
	}
	result, err, _ := c.sf.Do(key, func() (any, error) {
		req.Header.Set("User-Agent", userAgent)
		var resp *http.Response
		var err error
		for i := 0; i < 3; i++ {
			if i > 0 && req.GetBody != nil {
				req.Body, _ = req.GetBody()
			}
			start := time.Now()
			resp, err = c.http.Do(req)
			dur := time.Since(start)
			telemetry.Event("worker_dispatcher_request", map[string]string{
				"method":      req.Method,
				"path":        req.URL.Path,
				"duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
				"attempt":     strconv.Itoa(i + 1),
			})
			if err != nil || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				base := 250 * time.Millisecond
				delay := time.Duration(1<<i) * base
				if err == nil {
					resp.Body.Close()
				}
				sleep(delay + randDuration(delay))
				continue
			}
			break
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}
