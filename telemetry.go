package habitkit

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// SyncMetrics counts sync layer activity. All fields are updated
// atomically and safe to read concurrently.
type SyncMetrics struct {
	RemoteHits     atomic.Int64
	RemoteFailures atomic.Int64
	Fallbacks      atomic.Int64
	Enqueued       atomic.Int64
	Drains         atomic.Int64
	DrainedOps     atomic.Int64
}

// NewSyncMetrics creates zeroed sync counters.
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{}
}

// Snapshot returns the current counter values keyed by metric name.
func (m *SyncMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"habitkit_remote_hits_total":     m.RemoteHits.Load(),
		"habitkit_remote_failures_total": m.RemoteFailures.Load(),
		"habitkit_fallbacks_total":       m.Fallbacks.Load(),
		"habitkit_queue_enqueued_total":  m.Enqueued.Load(),
		"habitkit_queue_drains_total":    m.Drains.Load(),
		"habitkit_queue_drained_total":   m.DrainedOps.Load(),
	}
}

// TelemetryExporter pushes sync counters to a Prometheus remote-write
// endpoint: a snappy-compressed prompb.WriteRequest POSTed on a fixed
// interval. Export failures are counted and retried on the next tick, never
// surfaced to sync callers.
type TelemetryExporter struct {
	config  TelemetryConfig
	metrics *SyncMetrics
	queue   *RetryQueue
	client  *http.Client

	pushes   int64
	failures int64

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewTelemetryExporter creates an exporter for the given counters. The
// queue is optional; when present its length is exported as a gauge.
func NewTelemetryExporter(config TelemetryConfig, metrics *SyncMetrics, queue *RetryQueue) *TelemetryExporter {
	if config.PushInterval <= 0 {
		config.PushInterval = 30 * time.Second
	}
	if config.Job == "" {
		config.Job = "habitkit"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TelemetryExporter{
		config:  config,
		metrics: metrics,
		queue:   queue,
		client:  &http.Client{Timeout: 10 * time.Second},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the background push loop.
func (t *TelemetryExporter) Start() {
	t.mu.Lock()
	if t.running || !t.config.Enabled || t.config.Endpoint == "" {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.config.PushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				if err := t.Push(t.ctx); err != nil {
					atomic.AddInt64(&t.failures, 1)
				}
			}
		}
	}()
}

// Stop gracefully shuts down the push loop.
func (t *TelemetryExporter) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

// Push sends one remote-write request with the current counter values.
func (t *TelemetryExporter) Push(ctx context.Context) error {
	req := t.buildWriteRequest()

	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("telemetry marshal: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("telemetry request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telemetry push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry push: unexpected status %d", resp.StatusCode)
	}
	atomic.AddInt64(&t.pushes, 1)
	return nil
}

// buildWriteRequest converts the counter snapshot into prompb series.
func (t *TelemetryExporter) buildWriteRequest() *prompb.WriteRequest {
	now := time.Now().UnixMilli()
	snapshot := t.metrics.Snapshot()
	if t.queue != nil {
		snapshot["habitkit_queue_length"] = int64(t.queue.Len())
	}

	series := make([]prompb.TimeSeries, 0, len(snapshot))
	for name, value := range snapshot {
		series = append(series, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: name},
				{Name: "job", Value: t.config.Job},
			},
			Samples: []prompb.Sample{
				{Value: float64(value), Timestamp: now},
			},
		})
	}
	return &prompb.WriteRequest{Timeseries: series}
}

// Pushes returns the number of successful pushes.
func (t *TelemetryExporter) Pushes() int64 {
	return atomic.LoadInt64(&t.pushes)
}

// PushFailures returns the number of failed pushes.
func (t *TelemetryExporter) PushFailures() int64 {
	return atomic.LoadInt64(&t.failures)
}
