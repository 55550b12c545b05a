package csi

import (
	"context"
	"testing"
	"time"
)

// scriptedSource feeds a fixed set of samples then closes its channel.
type scriptedSource struct {
	samples []*Sample
	out     chan *Sample
}

func newScriptedSource(samples ...*Sample) *scriptedSource {
	return &scriptedSource{samples: samples, out: make(chan *Sample, len(samples))}
}

func (s *scriptedSource) Start(context.Context) error {
	for _, sample := range s.samples {
		s.out <- sample
	}
	close(s.out)
	return nil
}

func (s *scriptedSource) Samples() <-chan *Sample { return s.out }
func (s *scriptedSource) Stop()                   {}

// listSink collects pushed samples; eviction is scripted per push.
type listSink struct {
	pushed  []*Sample
	evictAt int // pushes before evictions start, -1 disables
}

func (l *listSink) Push(s *Sample) bool {
	l.pushed = append(l.pushed, s)
	return l.evictAt >= 0 && len(l.pushed) > l.evictAt
}

func waitForPushes(t *testing.T, c *Capture, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Received >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, got %d", want, c.Stats().Received)
}

func TestCaptureForwardsFilteredSamples(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	source := newScriptedSource(
		NewSample(1, mac, -50, 6, []float32{1}, nil),
		NewSample(2, mac, -95, 6, []float32{1}, nil), // below floor
		NewSample(3, mac, -60, 6, []float32{1}, nil),
	)
	sink := &listSink{evictAt: -1}
	capture := NewCapture(source, NewFilter(-90, nil), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := capture.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForPushes(t, capture, 3)
	capture.Stop()

	if len(sink.pushed) != 2 {
		t.Fatalf("expected 2 samples past the filter, got %d", len(sink.pushed))
	}
	if sink.pushed[0].Sequence != 1 || sink.pushed[1].Sequence != 3 {
		t.Fatalf("wrong samples forwarded: %d, %d", sink.pushed[0].Sequence, sink.pushed[1].Sequence)
	}
	stats := capture.Stats()
	if stats.Received != 3 || stats.Processed != 2 || stats.Filtered != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestCaptureDropsMalformedSamples(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	malformed := NewSample(2, mac, -50, 6, []float32{1}, nil)
	malformed.Subcarriers = 9
	source := newScriptedSource(
		NewSample(1, mac, -50, 6, []float32{1}, nil),
		malformed,
	)
	sink := &listSink{evictAt: -1}
	capture := NewCapture(source, NewFilter(0, nil), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := capture.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForPushes(t, capture, 2)
	capture.Stop()

	if len(sink.pushed) != 1 {
		t.Fatalf("expected malformed sample to be dropped, sink got %d", len(sink.pushed))
	}
}

func TestCaptureCountsEvictions(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	source := newScriptedSource(
		NewSample(1, mac, -50, 6, []float32{1}, nil),
		NewSample(2, mac, -50, 6, []float32{1}, nil),
		NewSample(3, mac, -50, 6, []float32{1}, nil),
	)
	sink := &listSink{evictAt: 1}
	capture := NewCapture(source, NewFilter(0, nil), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := capture.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitForPushes(t, capture, 3)
	capture.Stop()

	if got := capture.Stats().Evictions; got != 2 {
		t.Fatalf("evictions: %d", got)
	}
}

func TestSyntheticSourceProducesValidSamples(t *testing.T) {
	source := NewSyntheticSource(200, 6, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := source.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer source.Stop()

	select {
	case s := <-source.Samples():
		if !s.Valid() {
			t.Fatalf("synthetic sample invalid: %+v", s)
		}
		if s.Channel != 6 {
			t.Fatalf("channel: %d", s.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample produced")
	}
}
