package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"csinode/buffer"
	"csinode/csi"
	"csinode/stats"
	"csinode/telemetry"
	"csinode/transport"
)

// fakeTransport replays a scripted sequence of send results and records every
// attempted batch by sample sequence.
type fakeTransport struct {
	kind transport.Kind

	mu          sync.Mutex
	script      []transport.Result
	sent        [][]uint32
	disconnects int
	connectErr  error

	state  transport.State
	events chan transport.Event
}

func newFakeTransport(kind transport.Kind, script ...transport.Result) *fakeTransport {
	return &fakeTransport{
		kind:   kind,
		script: script,
		events: make(chan transport.Event, 16),
	}
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = transport.StateConnected
	return nil
}

func (f *fakeTransport) SendBatch(b *telemetry.Batch) transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs := make([]uint32, 0, b.Len())
	for _, s := range b.Samples {
		seqs = append(seqs, s.Sequence)
	}
	f.sent = append(f.sent, seqs)
	if len(f.script) == 0 {
		return transport.Result{Outcome: transport.Delivered}
	}
	res := f.script[0]
	f.script = f.script[1:]
	return res
}

func (f *fakeTransport) Publish(msg telemetry.MsgType, payload []byte) transport.Result {
	return transport.Result{Outcome: transport.Delivered}
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = transport.StateDisconnected
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) attempts() [][]uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]uint32, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeGate struct {
	healthy atomic.Bool
}

func (g *fakeGate) IsHealthy() bool { return g.healthy.Load() }

func retryN(n int) []transport.Result {
	out := make([]transport.Result, n)
	for i := range out {
		out[i] = transport.Result{Outcome: transport.Retry, Reason: "503"}
	}
	return out
}

func fillRing(r *buffer.Ring, from, to uint32) {
	mac := [6]byte{0xaa, 0xbb, 0xcc, 0x00, 0x11, 0x22}
	amp := []float32{1, 2, 3, 4}
	for seq := from; seq <= to; seq++ {
		r.Push(csi.NewSample(seq, mac, -55, 6, amp, nil))
	}
}

func testDispatcher(t *testing.T, cfg Config, ft *fakeTransport) (*Dispatcher, *buffer.Ring, *stats.Tracker) {
	t.Helper()
	cfg.DeviceID = "test-node-01"
	ring := buffer.NewRing(256)
	tracker := stats.NewTracker()
	d := New(cfg, ring, tracker, nil, nil, func(kind transport.Kind) (transport.Transport, error) {
		return newFakeTransport(kind), nil
	})
	d.mu.Lock()
	d.active = ft
	d.mu.Unlock()
	return d, ring, tracker
}

func TestDispatcherDeliversInArrivalOrder(t *testing.T) {
	ft := newFakeTransport(transport.KindHTTP)
	d, ring, tracker := testDispatcher(t, Config{BatchMax: 4}, ft)
	fillRing(ring, 1, 10)

	d.ProcessPending(context.Background())

	var got []uint32
	for _, batch := range ft.attempts() {
		got = append(got, batch...)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 samples sent, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint32(i+1) {
			t.Fatalf("sample %d out of order: got seq %d", i, seq)
		}
	}
	if tracker.DeliveredSamples() != 10 {
		t.Fatalf("expected 10 delivered, tracker says %d", tracker.DeliveredSamples())
	}
	if ring.Len() != 0 {
		t.Fatalf("ring not drained: %d left", ring.Len())
	}
}

func TestDispatcherRetriesWithIncreasingDelaysThenDelivers(t *testing.T) {
	script := append(retryN(5), transport.Result{Outcome: transport.Delivered})
	ft := newFakeTransport(transport.KindHTTP, script...)
	d, ring, tracker := testDispatcher(t, Config{
		BatchMax:   10,
		RetryLimit: 10,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 80 * time.Millisecond,
	}, ft)

	var delays []time.Duration
	d.backoff.jitterFn = func(cur time.Duration) time.Duration {
		delays = append(delays, cur)
		return cur
	}

	fillRing(ring, 1, 3)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		d.notBefore = time.Time{}
		d.ProcessPending(ctx)
	}

	if n := len(ft.attempts()); n != 6 {
		t.Fatalf("expected 6 attempts, got %d", n)
	}
	want := []time.Duration{10, 20, 40, 80, 80}
	for i := range want {
		want[i] *= time.Millisecond
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoff delays, got %d", len(want), len(delays))
	}
	for i, w := range want {
		if delays[i] != w {
			t.Fatalf("delay %d: got %s want %s", i, delays[i], w)
		}
	}
	if tracker.DeliveredSamples() != 3 {
		t.Fatalf("expected 3 delivered after recovery, got %d", tracker.DeliveredSamples())
	}
	if tracker.DroppedSamples() != 0 {
		t.Fatalf("no samples should drop, got %d", tracker.DroppedSamples())
	}
	if d.PendingRetries() != 0 {
		t.Fatalf("retry queue not empty: %d", d.PendingRetries())
	}
}

func TestDispatcherBackoffWindowBlocksSends(t *testing.T) {
	ft := newFakeTransport(transport.KindHTTP, retryN(1)...)
	d, ring, _ := testDispatcher(t, Config{BatchMax: 10, BackoffMin: time.Minute}, ft)
	fillRing(ring, 1, 2)

	ctx := context.Background()
	d.ProcessPending(ctx)
	if n := len(ft.attempts()); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}

	// Still inside the backoff window; no second attempt.
	d.ProcessPending(ctx)
	if n := len(ft.attempts()); n != 1 {
		t.Fatalf("attempt fired inside backoff window: %d", n)
	}
}

func TestDispatcherDropsAfterRetryBudget(t *testing.T) {
	limit := 3
	ft := newFakeTransport(transport.KindHTTP, retryN(10)...)
	d, ring, tracker := testDispatcher(t, Config{BatchMax: 10, RetryLimit: limit}, ft)
	fillRing(ring, 1, 1)

	ctx := context.Background()
	for i := 0; i < limit+2; i++ {
		d.notBefore = time.Time{}
		d.ProcessPending(ctx)
	}

	if n := len(ft.attempts()); n != limit {
		t.Fatalf("expected exactly %d attempts, got %d", limit, n)
	}
	if tracker.DroppedSamples() != 1 {
		t.Fatalf("expected 1 dropped sample, got %d", tracker.DroppedSamples())
	}
	if reasons := tracker.GetDropReasons(); reasons["retry_budget"] != 1 {
		t.Fatalf("expected retry_budget drop, got %v", reasons)
	}
	if d.PendingRetries() != 0 {
		t.Fatalf("exhausted sample still queued: %d", d.PendingRetries())
	}
}

func TestDispatcherRequeuesFailedBatchAtFront(t *testing.T) {
	script := append(retryN(1), transport.Result{Outcome: transport.Delivered})
	ft := newFakeTransport(transport.KindHTTP, script...)
	d, ring, _ := testDispatcher(t, Config{BatchMax: 4, RetryLimit: 10}, ft)
	fillRing(ring, 1, 8)

	ctx := context.Background()
	d.ProcessPending(ctx) // 1-4 fails, enters backoff
	d.notBefore = time.Time{}
	d.ProcessPending(ctx) // 1-4 redelivered ahead of 5-8

	attempts := ft.attempts()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, wantFirst := range []uint32{1, 1, 5} {
		if attempts[i][0] != wantFirst {
			t.Fatalf("attempt %d starts at seq %d, want %d", i, attempts[i][0], wantFirst)
		}
	}
}

func TestDispatcherRejectedBatchIsNotRetried(t *testing.T) {
	ft := newFakeTransport(transport.KindHTTP,
		transport.Result{Outcome: transport.Dropped, Reason: "400"})
	d, ring, tracker := testDispatcher(t, Config{BatchMax: 10}, ft)
	fillRing(ring, 1, 5)

	d.ProcessPending(context.Background())

	if tracker.DroppedSamples() != 5 {
		t.Fatalf("expected 5 dropped, got %d", tracker.DroppedSamples())
	}
	if reasons := tracker.GetDropReasons(); reasons["rejected"] != 5 {
		t.Fatalf("expected rejected drops, got %v", reasons)
	}
	if d.PendingRetries() != 0 {
		t.Fatalf("rejected samples must not requeue: %d", d.PendingRetries())
	}
}

func TestDispatcherHealthGatePausesSends(t *testing.T) {
	ft := newFakeTransport(transport.KindHTTP)
	gate := &fakeGate{}
	ring := buffer.NewRing(256)
	tracker := stats.NewTracker()
	d := New(Config{DeviceID: "test-node-01", BatchMax: 10}, ring, tracker, gate, nil,
		func(kind transport.Kind) (transport.Transport, error) {
			return newFakeTransport(kind), nil
		})
	d.mu.Lock()
	d.active = ft
	d.mu.Unlock()

	fillRing(ring, 1, 4)
	ctx := context.Background()

	d.ProcessPending(ctx)
	if n := len(ft.attempts()); n != 0 {
		t.Fatalf("sent while unhealthy: %d attempts", n)
	}
	if ring.Len() != 4 {
		t.Fatalf("samples lost while paused: %d left", ring.Len())
	}

	gate.healthy.Store(true)
	d.ProcessPending(ctx)
	if n := len(ft.attempts()); n != 1 {
		t.Fatalf("expected send after recovery, got %d attempts", n)
	}
}

func TestDispatcherFallsBackAfterConsecutiveFailures(t *testing.T) {
	ft := newFakeTransport(transport.KindWebSocket, retryN(10)...)
	d, ring, tracker := testDispatcher(t, Config{
		BatchMax:      10,
		RetryLimit:    10,
		FallbackAfter: 2,
		FallbackKind:  transport.KindHTTP,
	}, ft)
	fillRing(ring, 1, 3)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d.notBefore = time.Time{}
		d.ProcessPending(ctx)
	}

	active := d.Active()
	if active.Kind() != transport.KindHTTP {
		t.Fatalf("expected fallback to http, active is %s", active.Kind())
	}
	if tracker.TransportSwaps() != 1 {
		t.Fatalf("expected 1 transport swap, got %d", tracker.TransportSwaps())
	}

	// The retried samples survive the switch and deliver on the fallback.
	d.notBefore = time.Time{}
	d.ProcessPending(ctx)
	if tracker.DeliveredSamples() != 3 {
		t.Fatalf("expected 3 delivered on fallback, got %d", tracker.DeliveredSamples())
	}
}

func TestSelectTransportTearsDownOldSession(t *testing.T) {
	ft := newFakeTransport(transport.KindMQTT)
	d, _, tracker := testDispatcher(t, Config{}, ft)

	if err := d.SelectTransport(context.Background(), transport.KindHTTP); err != nil {
		t.Fatalf("select: %v", err)
	}
	ft.mu.Lock()
	disc := ft.disconnects
	ft.mu.Unlock()
	if disc != 1 {
		t.Fatalf("old transport not disconnected: %d", disc)
	}
	if d.Active().Kind() != transport.KindHTTP {
		t.Fatalf("active kind is %s, want http", d.Active().Kind())
	}
	if tracker.TransportSwaps() != 1 {
		t.Fatalf("expected 1 swap recorded, got %d", tracker.TransportSwaps())
	}
}

func TestDispatcherFinalFlushOnCancel(t *testing.T) {
	ft := newFakeTransport(transport.KindHTTP)
	d, ring, tracker := testDispatcher(t, Config{BatchMax: 10, FlushInterval: time.Hour}, ft)
	fillRing(ring, 1, 6)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if tracker.DeliveredSamples() != 6 {
		t.Fatalf("final flush delivered %d of 6", tracker.DeliveredSamples())
	}
}
