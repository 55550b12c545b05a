// Package journal persists delivery outcomes and update events to SQLite
// asynchronously. It is designed to be removable: the dispatch hot path never
// blocks on the journal, and backpressure results in dropped journal rows
// (counted, not logged per event).
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	kindDelivery = iota
	kindOTA
)

type event struct {
	kind int
	ts   int64

	transport string
	outcome   string
	samples   int
	reason    string

	otaEvent string
	version  string
	detail   string
}

// Config holds journal tuning.
type Config struct {
	DBPath          string
	QueueSize       int
	BatchSize       int
	BatchInterval   time.Duration
	RetentionDays   int
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 14
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
}

// Writer owns the SQLite handle and the insert/cleanup loops.
type Writer struct {
	cfg   Config
	db    *sql.DB
	queue chan event
	stop  chan struct{}
	done  chan struct{}

	drops atomic.Uint64
}

// NewWriter initializes the database and returns a writer; call Start to
// begin processing.
func NewWriter(cfg Config) (*Writer, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("journal: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Writer{
		cfg:   cfg,
		db:    db,
		queue: make(chan event, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop flushes pending rows best-effort and closes the database.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
	_ = w.db.Close()
}

// RecordDelivery queues one delivery outcome row. Never blocks; on a full
// queue the row is dropped and counted.
func (w *Writer) RecordDelivery(transport, outcome string, samples int, reason string) {
	if w == nil {
		return
	}
	w.enqueue(event{
		kind:      kindDelivery,
		ts:        time.Now().UTC().Unix(),
		transport: transport,
		outcome:   outcome,
		samples:   samples,
		reason:    reason,
	})
}

// RecordOTA queues one update event row.
func (w *Writer) RecordOTA(otaEvent, version, detail string) {
	if w == nil {
		return
	}
	w.enqueue(event{
		kind:     kindOTA,
		ts:       time.Now().UTC().Unix(),
		otaEvent: otaEvent,
		version:  version,
		detail:   detail,
	})
}

// Drops returns the number of rows lost to queue overflow.
func (w *Writer) Drops() uint64 {
	return w.drops.Load()
}

func (w *Writer) enqueue(ev event) {
	select {
	case w.queue <- ev:
	default:
		w.drops.Add(1)
	}
}

func (w *Writer) insertLoop() {
	defer close(w.done)
	batch := make([]event, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			// Drain whatever is queued before flushing.
			for {
				select {
				case ev := <-w.queue:
					batch = append(batch, ev)
				default:
					w.flush(batch)
					return
				}
			}
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.cfg.BatchInterval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(w.cfg.BatchInterval)
		}
	}
}

func (w *Writer) flush(batch []event) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("journal: begin tx: %v", err)
		return
	}
	deliveryStmt, err := tx.Prepare(`insert into delivery_events(ts, transport, outcome, samples, reason) values(?,?,?,?,?)`)
	if err != nil {
		log.Printf("journal: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	otaStmt, err := tx.Prepare(`insert into ota_events(ts, event, version, detail) values(?,?,?,?)`)
	if err != nil {
		log.Printf("journal: prepare: %v", err)
		_ = deliveryStmt.Close()
		_ = tx.Rollback()
		return
	}
	for _, ev := range batch {
		switch ev.kind {
		case kindDelivery:
			if _, err := deliveryStmt.Exec(ev.ts, ev.transport, ev.outcome, ev.samples, ev.reason); err != nil {
				log.Printf("journal: insert delivery: %v", err)
			}
		case kindOTA:
			if _, err := otaStmt.Exec(ev.ts, ev.otaEvent, ev.version, ev.detail); err != nil {
				log.Printf("journal: insert ota: %v", err)
			}
		}
	}
	_ = deliveryStmt.Close()
	_ = otaStmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("journal: commit: %v", err)
	}
}

func (w *Writer) cleanupLoop() {
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce()
		}
	}
}

func (w *Writer) cleanupOnce() {
	cutoff := time.Now().UTC().Add(-time.Duration(w.cfg.RetentionDays) * 24 * time.Hour).Unix()
	for _, table := range []string{"delivery_events", "ota_events"} {
		if _, err := w.db.Exec(`delete from `+table+` where ts < ?`, cutoff); err != nil {
			log.Printf("journal: cleanup %s: %v", table, err)
		}
	}
}

// DeliveryRow is one persisted delivery outcome.
type DeliveryRow struct {
	Time      time.Time
	Transport string
	Outcome   string
	Samples   int
	Reason    string
}

// RecentDeliveries returns the newest delivery rows, newest first. Read-only
// diagnostic surface for the admin endpoint and tests.
func (w *Writer) RecentDeliveries(limit int) ([]DeliveryRow, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("journal: writer is nil")
	}
	if limit <= 0 {
		return []DeliveryRow{}, nil
	}
	rows, err := w.db.Query(`select ts, transport, outcome, samples, reason from delivery_events order by ts desc, id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]DeliveryRow, 0, limit)
	for rows.Next() {
		var (
			ts      int64
			row     DeliveryRow
			samples int
		)
		if err := rows.Scan(&ts, &row.Transport, &row.Outcome, &samples, &row.Reason); err != nil {
			return nil, fmt.Errorf("journal: scan recent: %w", err)
		}
		row.Time = time.Unix(ts, 0).UTC()
		row.Samples = samples
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate recent: %w", err)
	}
	return out, nil
}

// OTARow is one persisted update event.
type OTARow struct {
	Time    time.Time
	Event   string
	Version string
	Detail  string
}

// RecentOTAEvents returns the newest update events, newest first.
func (w *Writer) RecentOTAEvents(limit int) ([]OTARow, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("journal: writer is nil")
	}
	if limit <= 0 {
		return []OTARow{}, nil
	}
	rows, err := w.db.Query(`select ts, event, version, detail from ota_events order by ts desc, id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query ota events: %w", err)
	}
	defer rows.Close()

	out := make([]OTARow, 0, limit)
	for rows.Next() {
		var (
			ts  int64
			row OTARow
		)
		if err := rows.Scan(&ts, &row.Event, &row.Version, &row.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan ota events: %w", err)
		}
		row.Time = time.Unix(ts, 0).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate ota events: %w", err)
	}
	return out, nil
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists delivery_events (
		id integer primary key autoincrement,
		ts integer,
		transport text,
		outcome text,
		samples integer,
		reason text
	);
	create index if not exists idx_delivery_ts on delivery_events(ts);
	create table if not exists ota_events (
		id integer primary key autoincrement,
		ts integer,
		event text,
		version text,
		detail text
	);
	create index if not exists idx_ota_ts on ota_events(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("journal: schema: %w", err)
	}
	return nil
}
