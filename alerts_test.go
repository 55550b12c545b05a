package main

import (
	"context"
	"testing"
	"time"

	"csinode/buffer"
	"csinode/dispatch"
	"csinode/health"
	"csinode/stats"
)

func waitForCriticals(t *testing.T, tracker *stats.Tracker, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tracker.HealthCriticals() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d critical entries, got %d", want, tracker.HealthCriticals())
}

func TestPublishAlertsCountsCriticalEntries(t *testing.T) {
	tracker := stats.NewTracker()
	dispatcher := dispatch.New(dispatch.Config{DeviceID: "node-1"},
		buffer.NewRing(4), tracker, nil, nil, nil)
	events := make(chan health.Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishAlerts(ctx, "node-1", dispatcher, tracker, events)

	events <- health.Event{Level: health.LevelCritical, At: time.Now()}
	waitForCriticals(t, tracker, 1)

	// Recovery and re-entry: only the critical entries count.
	events <- health.Event{Level: health.LevelHealthy, At: time.Now()}
	events <- health.Event{Level: health.LevelCritical, At: time.Now()}
	waitForCriticals(t, tracker, 2)
}
