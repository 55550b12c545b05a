// Package dispatch drains the ring buffer, forms size- and latency-bounded
// batches, and drives the active transport with retry, backoff, and fallback.
// Exactly one transport is active at a time; retried samples return to the
// front of the next batch so ordering survives transient failures.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"csinode/buffer"
	"csinode/csi"
	"csinode/stats"
	"csinode/telemetry"
	"csinode/transport"
)

// healthGate is the slice of the health monitor the dispatcher consumes.
type healthGate interface {
	IsHealthy() bool
}

// DeliverySink receives terminal delivery outcomes for journaling. Optional.
type DeliverySink interface {
	RecordDelivery(transportKind, outcome string, samples int, reason string)
}

// TransportFactory constructs a transport of the requested kind, used for
// runtime transport switches and fallback.
type TransportFactory func(kind transport.Kind) (transport.Transport, error)

// Config holds dispatcher tuning.
type Config struct {
	DeviceID      string
	BatchMax      int           // max samples per batch
	BatchBytesMax int           // max estimated serialized bytes per batch
	FlushInterval time.Duration // max latency before a partial batch flushes
	RetryLimit    int           // delivery attempts per sample before drop
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	FallbackAfter int            // consecutive transient failures before fallback
	FallbackKind  transport.Kind // empty disables fallback
}

func (c *Config) applyDefaults() {
	if c.BatchMax <= 0 {
		c.BatchMax = 50
	}
	if c.BatchBytesMax <= 0 {
		c.BatchBytesMax = 64 * 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.FallbackAfter <= 0 {
		c.FallbackAfter = 10
	}
}

// Dispatcher owns the drain loop and the active transport session.
type Dispatcher struct {
	cfg     Config
	ring    *buffer.Ring
	tracker *stats.Tracker
	gate    healthGate
	sink    DeliverySink
	factory TransportFactory

	mu         sync.Mutex
	active     transport.Transport
	retryQueue []*csi.Sample
	backoff    *Backoff
	notBefore  time.Time
	failStreak int
}

// New builds a dispatcher. gate and sink may be nil. The initial transport is
// constructed and owned by the caller via SelectTransport before Run.
func New(cfg Config, ring *buffer.Ring, tracker *stats.Tracker, gate healthGate, sink DeliverySink, factory TransportFactory) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:     cfg,
		ring:    ring,
		tracker: tracker,
		gate:    gate,
		sink:    sink,
		factory: factory,
		backoff: NewBackoff(cfg.BackoffMin, cfg.BackoffMax),
	}
}

// SelectTransport swaps the active transport strategy at runtime. The old
// session is torn down cleanly before the new one starts; no ordering
// guarantee spans the switch.
func (d *Dispatcher) SelectTransport(ctx context.Context, kind transport.Kind) error {
	next, err := d.factory(kind)
	if err != nil {
		return fmt.Errorf("dispatch: construct %s transport: %w", kind, err)
	}

	d.mu.Lock()
	old := d.active
	d.active = next
	d.failStreak = 0
	d.mu.Unlock()

	if old != nil {
		old.Disconnect()
		d.tracker.RecordTransportSwap()
		log.Printf("Dispatch: switched transport %s -> %s", old.Kind(), kind)
	}
	if err := next.Connect(ctx); err != nil {
		// Connection failures are transient; the run loop keeps retrying
		// with backoff. Construction errors above were the fatal case.
		log.Printf("Dispatch: %s connect failed: %v", kind, err)
	}
	return nil
}

// Active returns the current transport, or nil before the first selection.
func (d *Dispatcher) Active() transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Run drives the flush loop until the context is cancelled, then performs a
// best-effort final flush.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.finalFlush()
			return
		case <-ticker.C:
			d.ProcessPending(ctx)
		}
	}
}

// ProcessPending sends every available full batch plus one trailing partial
// batch, honoring the backoff window and the health gate. Exposed for tests
// and for the shutdown path.
func (d *Dispatcher) ProcessPending(ctx context.Context) {
	for ctx.Err() == nil {
		if d.gate != nil && !d.gate.IsHealthy() {
			// Capture continues into the ring (bounded, lossy); sends
			// resume when the monitor recovers.
			return
		}
		if wait := time.Until(d.notBefore); wait > 0 {
			return
		}
		if !d.ensureConnected(ctx) {
			return
		}
		batch := d.assemble()
		if batch == nil {
			return
		}
		if !d.attempt(batch) {
			return
		}
	}
}

// ensureConnected reconnects session-oriented transports after a drop.
func (d *Dispatcher) ensureConnected(ctx context.Context) bool {
	tr := d.Active()
	if tr == nil {
		return false
	}
	if tr.State() == transport.StateConnected || tr.State() == transport.StateDegraded {
		return true
	}
	if err := tr.Connect(ctx); err != nil {
		delay := d.backoff.Next()
		d.notBefore = time.Now().Add(delay)
		log.Printf("Dispatch: %s reconnect failed, next attempt in %s: %v", tr.Kind(), delay, err)
		return false
	}
	return true
}

// assemble builds the next batch: retried samples first, then fresh drains,
// bounded by count and estimated wire size.
func (d *Dispatcher) assemble() *telemetry.Batch {
	samples := make([]*csi.Sample, 0, d.cfg.BatchMax)
	size := 0

	d.mu.Lock()
	for len(d.retryQueue) > 0 && len(samples) < d.cfg.BatchMax {
		s := d.retryQueue[0]
		if size+s.WireSize() > d.cfg.BatchBytesMax && len(samples) > 0 {
			break
		}
		samples = append(samples, s)
		size += s.WireSize()
		d.retryQueue = d.retryQueue[1:]
	}
	d.mu.Unlock()

	if len(samples) < d.cfg.BatchMax && size < d.cfg.BatchBytesMax {
		fresh := d.ring.Drain(d.cfg.BatchMax - len(samples))
		for i, s := range fresh {
			if size+s.WireSize() > d.cfg.BatchBytesMax && len(samples) > 0 {
				// Over the size bound; carry the rest to the next batch.
				d.mu.Lock()
				d.retryQueue = append(d.retryQueue, fresh[i:]...)
				d.mu.Unlock()
				break
			}
			samples = append(samples, s)
			size += s.WireSize()
		}
	}

	if len(samples) == 0 {
		return nil
	}
	return telemetry.NewBatch(d.cfg.DeviceID, samples)
}

// attempt sends one batch and applies the outcome. Returns false when the
// caller should stop draining this cycle (transient failure entered backoff).
func (d *Dispatcher) attempt(batch *telemetry.Batch) bool {
	tr := d.Active()
	res := tr.SendBatch(batch)
	kind := string(tr.Kind())
	d.tracker.RecordOutcome(kind, res.Outcome.String(), batch.Len())

	switch res.Outcome {
	case transport.Delivered:
		d.backoff.Reset()
		d.notBefore = time.Time{}
		d.failStreak = 0
		d.record(kind, "delivered", batch.Len(), "")
		return true

	case transport.Dropped:
		log.Printf("Dispatch: batch %016x rejected (%s), %d samples dropped",
			batch.Hash(), res.Reason, batch.Len())
		d.tracker.RecordDrop("rejected", batch.Len())
		d.record(kind, "dropped", batch.Len(), res.Reason)
		return true

	default: // Retry
		d.requeue(batch, kind)
		delay := d.backoff.Next()
		d.notBefore = time.Now().Add(delay)
		d.failStreak++
		d.maybeFallback()
		return false
	}
}

// requeue returns a failed batch's samples to the front of the next batch,
// dropping any that exhausted the retry budget.
func (d *Dispatcher) requeue(batch *telemetry.Batch, kind string) {
	surviving := make([]*csi.Sample, 0, len(batch.Samples))
	exhausted := 0
	for _, s := range batch.Samples {
		s.Attempts++
		if s.Attempts >= d.cfg.RetryLimit {
			exhausted++
			continue
		}
		surviving = append(surviving, s)
	}
	if exhausted > 0 {
		log.Printf("Dispatch: %d samples exceeded retry budget (%d attempts), dropping", exhausted, d.cfg.RetryLimit)
		d.tracker.RecordDrop("retry_budget", exhausted)
		d.record(kind, "dropped", exhausted, "retry_budget")
	}
	d.mu.Lock()
	d.retryQueue = append(surviving, d.retryQueue...)
	d.mu.Unlock()
}

// maybeFallback switches to the configured secondary transport after a run of
// transient failures.
func (d *Dispatcher) maybeFallback() {
	if d.cfg.FallbackKind == "" || d.failStreak < d.cfg.FallbackAfter {
		return
	}
	tr := d.Active()
	if tr != nil && tr.Kind() == d.cfg.FallbackKind {
		return
	}
	log.Printf("Dispatch: %d consecutive failures on %s, falling back to %s",
		d.failStreak, tr.Kind(), d.cfg.FallbackKind)
	if err := d.SelectTransport(context.Background(), d.cfg.FallbackKind); err != nil {
		log.Printf("Dispatch: fallback failed: %v", err)
	}
}

// PublishAux sends a heartbeat, metrics, or alert message through the active
// transport. Auxiliary messages are fire-and-forget; failures are counted but
// not retried.
func (d *Dispatcher) PublishAux(msg telemetry.MsgType, payload []byte) transport.Result {
	tr := d.Active()
	if tr == nil {
		return transport.Result{Outcome: transport.Retry, Reason: "no transport"}
	}
	res := tr.Publish(msg, payload)
	if res.Outcome != transport.Delivered {
		d.tracker.RecordOutcome(string(tr.Kind()), "aux_"+res.Outcome.String(), 0)
	}
	return res
}

// PendingRetries returns the number of samples waiting at the front of the
// next batch.
func (d *Dispatcher) PendingRetries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retryQueue)
}

// finalFlush makes one last delivery attempt on shutdown, without backoff
// waits. Whatever cannot be sent is lost with the process; the ring does not
// survive restarts.
func (d *Dispatcher) finalFlush() {
	d.notBefore = time.Time{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.ProcessPending(ctx)
	if left := d.ring.Len() + d.PendingRetries(); left > 0 {
		log.Printf("Dispatch: shutting down with %d undelivered samples", left)
	}
}

func (d *Dispatcher) record(kind, outcome string, samples int, reason string) {
	if d.sink != nil {
		d.sink.RecordDelivery(kind, outcome, samples, reason)
	}
}
