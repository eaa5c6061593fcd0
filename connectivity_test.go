package habitkit

import (
	"context"
	"testing"
	"time"
)

func TestObserverStartsWithConfiguredStatus(t *testing.T) {
	cfg := DefaultConnectivityConfig()
	obs := NewConnectivityObserver(cfg)
	if !obs.Online() {
		t.Errorf("expected initial online status")
	}

	cfg.InitialOnline = false
	obs = NewConnectivityObserver(cfg)
	if obs.Online() {
		t.Errorf("expected initial offline status")
	}
}

func TestObserverDropsRedundantReports(t *testing.T) {
	obs := NewConnectivityObserver(DefaultConnectivityConfig())

	var transitions []bool
	obs.AddListener(func(online bool) {
		transitions = append(transitions, online)
	})

	obs.SetOnline(true) // redundant: already online
	obs.SetOnline(false)
	obs.SetOnline(false) // redundant
	obs.SetOnline(true)

	want := []bool{false, true}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
}

func TestObserverUnsubscribeStopsNotifications(t *testing.T) {
	obs := NewConnectivityObserver(DefaultConnectivityConfig())

	calls := 0
	unsubscribe := obs.AddListener(func(online bool) { calls++ })

	obs.SetOnline(false)
	unsubscribe()
	obs.SetOnline(true)

	if calls != 1 {
		t.Errorf("expected 1 notification before unsubscribe, got %d", calls)
	}
}

func TestObserverProbeLoopFeedsStatus(t *testing.T) {
	cfg := ConnectivityConfig{
		ProbeInterval: 5 * time.Millisecond,
		ProbeTimeout:  time.Second,
		InitialOnline: true,
	}
	obs := NewConnectivityObserver(cfg)
	obs.SetProber(ProberFunc(func(ctx context.Context) bool { return false }))

	offline := make(chan struct{})
	obs.AddListener(func(online bool) {
		if !online {
			close(offline)
		}
	})

	obs.Start()
	defer obs.Stop()

	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never reported offline")
	}
	if obs.Online() {
		t.Errorf("expected offline after failing probe")
	}
}
