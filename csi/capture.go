package csi

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// SampleSink receives samples that pass the capture filter. Push reports
// whether an older entry was evicted to make room.
type SampleSink interface {
	Push(*Sample) bool
}

// CaptureStats is a point-in-time copy of the capture pipeline counters.
type CaptureStats struct {
	Received    uint64
	Processed   uint64
	Filtered    uint64
	Evictions   uint64
	AverageRSSI float64
	LastSample  time.Time
}

// Capture drives the path from a Source through the Filter into the sink.
// It is the only writer into the ring buffer.
type Capture struct {
	source Source
	filter *Filter
	sink   SampleSink

	received  atomic.Uint64
	processed atomic.Uint64
	evictions atomic.Uint64
	rssiSum   atomic.Int64
	lastAt    atomic.Int64 // unix micros of last accepted sample
	wg        sync.WaitGroup
}

// NewCapture wires a source, filter, and sink into a capture pipeline.
// Call Run to start; the pipeline stops when the context is cancelled or the
// source closes its channel.
func NewCapture(source Source, filter *Filter, sink SampleSink) *Capture {
	return &Capture{source: source, filter: filter, sink: sink}
}

// Run starts the source and the consume loop.
func (c *Capture) Run(ctx context.Context) error {
	if err := c.source.Start(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-c.source.Samples():
				if !ok {
					return
				}
				c.ingest(sample)
			}
		}
	}()
	return nil
}

// Stop halts the source and waits for the consume loop to exit.
func (c *Capture) Stop() {
	c.source.Stop()
	c.wg.Wait()
}

func (c *Capture) ingest(sample *Sample) {
	c.received.Add(1)
	if !sample.Valid() {
		log.Printf("Capture: dropping malformed sample seq=%d", sample.Sequence)
		return
	}
	if !c.filter.Allow(sample) {
		return
	}
	if c.sink.Push(sample) {
		c.evictions.Add(1)
	}
	c.processed.Add(1)
	c.rssiSum.Add(int64(sample.RSSI))
	c.lastAt.Store(int64(sample.Timestamp))
}

// Stats returns a copy of the capture counters.
func (c *Capture) Stats() CaptureStats {
	stats := CaptureStats{
		Received:  c.received.Load(),
		Processed: c.processed.Load(),
		Filtered:  c.filter.Filtered(),
		Evictions: c.evictions.Load(),
	}
	if stats.Processed > 0 {
		stats.AverageRSSI = float64(c.rssiSum.Load()) / float64(stats.Processed)
	}
	if micros := c.lastAt.Load(); micros > 0 {
		stats.LastSample = time.UnixMicro(micros)
	}
	return stats
}
