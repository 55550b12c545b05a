package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(Config{
		DBPath:        filepath.Join(t.TempDir(), "journal.db"),
		QueueSize:     32,
		BatchSize:     4,
		BatchInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.db.Close() })
	return w
}

func TestDeliveryRowsPersist(t *testing.T) {
	w := newTestWriter(t)
	w.Start()

	w.RecordDelivery("http", "delivered", 50, "")
	w.RecordDelivery("http", "dropped", 2, "retry_budget")
	w.Stop()

	rows, err := w.RecentDeliveries(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Outcome != "dropped" || rows[0].Reason != "retry_budget" {
		t.Fatalf("unexpected newest row: %+v", rows[0])
	}
	if rows[1].Transport != "http" || rows[1].Samples != 50 {
		t.Fatalf("unexpected row: %+v", rows[1])
	}
}

func TestOTARowsPersist(t *testing.T) {
	w := newTestWriter(t)
	w.Start()

	w.RecordOTA("installed", "1.2.0", "ota_1")
	w.RecordOTA("rolled_back", "1.1.0", "boot loop")
	w.Stop()

	rows, err := w.RecentOTAEvents(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Event != "rolled_back" || rows[0].Detail != "boot loop" {
		t.Fatalf("unexpected newest row: %+v", rows[0])
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	w := newTestWriter(t)
	// Insert loop not started; the queue fills and overflow must drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			w.RecordDelivery("mqtt", "delivered", 1, "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on full queue")
	}
	if w.Drops() == 0 {
		t.Fatal("expected overflow drops to be counted")
	}
}

func TestCleanupRemovesExpiredRows(t *testing.T) {
	w := newTestWriter(t)
	w.cfg.RetentionDays = 7

	old := time.Now().UTC().Add(-30 * 24 * time.Hour).Unix()
	if _, err := w.db.Exec(`insert into delivery_events(ts, transport, outcome, samples, reason) values(?,?,?,?,?)`,
		old, "http", "delivered", 1, ""); err != nil {
		t.Fatalf("seed old row: %v", err)
	}
	if _, err := w.db.Exec(`insert into delivery_events(ts, transport, outcome, samples, reason) values(?,?,?,?,?)`,
		time.Now().UTC().Unix(), "http", "delivered", 1, ""); err != nil {
		t.Fatalf("seed fresh row: %v", err)
	}

	w.cleanupOnce()

	rows, err := w.RecentDeliveries(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only the fresh row to survive, got %d", len(rows))
	}
}
