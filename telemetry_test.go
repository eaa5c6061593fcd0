package habitkit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewSyncMetrics()
	m.RemoteHits.Add(3)
	m.Fallbacks.Add(1)

	snap := m.Snapshot()
	if snap["habitkit_remote_hits_total"] != 3 {
		t.Errorf("expected 3 remote hits, got %d", snap["habitkit_remote_hits_total"])
	}
	if snap["habitkit_fallbacks_total"] != 1 {
		t.Errorf("expected 1 fallback, got %d", snap["habitkit_fallbacks_total"])
	}
	if snap["habitkit_queue_drains_total"] != 0 {
		t.Errorf("expected zero drains, got %d", snap["habitkit_queue_drains_total"])
	}
}

func TestTelemetryPushRemoteWriteFormat(t *testing.T) {
	var received prompb.WriteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Encoding"); got != "snappy" {
			t.Errorf("expected snappy content encoding, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-protobuf" {
			t.Errorf("expected protobuf content type, got %q", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			t.Errorf("snappy decode: %v", err)
			return
		}
		if err := received.Unmarshal(raw); err != nil {
			t.Errorf("proto unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	metrics := NewSyncMetrics()
	metrics.RemoteHits.Add(7)
	queue := NewRetryQueue(QueueConfig{})

	exporter := NewTelemetryExporter(TelemetryConfig{
		Enabled:  true,
		Endpoint: server.URL,
		Job:      "habitkit-test",
	}, metrics, queue)

	if err := exporter.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if exporter.Pushes() != 1 {
		t.Errorf("expected 1 recorded push, got %d", exporter.Pushes())
	}

	var hits float64 = -1
	var sawJob bool
	for _, ts := range received.Timeseries {
		var name string
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				name = label.Value
			}
			if label.Name == "job" && label.Value == "habitkit-test" {
				sawJob = true
			}
		}
		if name == "habitkit_remote_hits_total" && len(ts.Samples) == 1 {
			hits = ts.Samples[0].Value
		}
	}
	if hits != 7 {
		t.Errorf("expected remote hits sample 7, got %v", hits)
	}
	if !sawJob {
		t.Errorf("expected job label on exported series")
	}
}

func TestTelemetryPushFailureCounted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	exporter := NewTelemetryExporter(TelemetryConfig{
		Enabled:  true,
		Endpoint: server.URL,
	}, NewSyncMetrics(), nil)

	if err := exporter.Push(context.Background()); err == nil {
		t.Fatal("expected push error on 500")
	}
	if exporter.Pushes() != 0 {
		t.Errorf("failed push must not count as success")
	}
}

func TestSyncMetricsTrackDegradation(t *testing.T) {
	svc, remote, local, _ := newTestService(t)
	ctx := context.Background()

	if err := local.Set("habitkit:coins:u1", `{"coins":9}`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	remote.SetFailure(func(op, collection, id string) error {
		return context.DeadlineExceeded
	})

	if _, err := svc.Coins(ctx, "u1"); err != nil {
		t.Fatalf("read: %v", err)
	}

	snap := svc.Metrics().Snapshot()
	if snap["habitkit_remote_failures_total"] != 1 {
		t.Errorf("expected 1 remote failure, got %d", snap["habitkit_remote_failures_total"])
	}
	if snap["habitkit_fallbacks_total"] != 1 {
		t.Errorf("expected 1 fallback, got %d", snap["habitkit_fallbacks_total"])
	}
}
