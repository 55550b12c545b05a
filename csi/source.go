package csi

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// Source is the capture capability the runtime expects from the platform: a
// push stream of fixed-shape sample records. Hardware integrations implement
// this against the radio driver; hosts use the synthetic source.
type Source interface {
	// Start begins capture. Samples are delivered on the channel returned by
	// Samples until the context is cancelled or Stop is called.
	Start(ctx context.Context) error
	// Samples returns the capture output channel. The channel is bounded;
	// slow consumers cause source-side drops, never blocked capture.
	Samples() <-chan *Sample
	// Stop halts capture and closes the sample channel.
	Stop()
}

// SyntheticSource generates plausible CSI samples at a fixed rate. It stands
// in for the radio on development hosts and in tests.
type SyntheticSource struct {
	rateHz   int
	channel  uint8
	macs     [][6]byte
	out      chan *Sample
	stop     chan struct{}
	seq      atomic.Uint32
	drops    atomic.Uint64
	stopOnce atomic.Bool
}

// NewSyntheticSource creates a synthetic capture source. rateHz bounds sample
// production; the output channel holds one second of samples so a briefly
// stalled consumer does not immediately lose data.
func NewSyntheticSource(rateHz int, channel uint8, macs [][6]byte) *SyntheticSource {
	if rateHz <= 0 {
		rateHz = 10
	}
	if len(macs) == 0 {
		macs = [][6]byte{{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}}
	}
	return &SyntheticSource{
		rateHz:  rateHz,
		channel: channel,
		macs:    macs,
		out:     make(chan *Sample, rateHz),
		stop:    make(chan struct{}),
	}
}

// Start launches the generation loop.
func (s *SyntheticSource) Start(ctx context.Context) error {
	interval := time.Second / time.Duration(s.rateHz)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				sample := s.generate()
				select {
				case s.out <- sample:
				default:
					// Consumer stalled; drop at the source rather than block.
					s.drops.Add(1)
				}
			}
		}
	}()
	return nil
}

// Samples returns the capture output channel.
func (s *SyntheticSource) Samples() <-chan *Sample {
	return s.out
}

// Stop halts generation. Safe to call more than once.
func (s *SyntheticSource) Stop() {
	if s.stopOnce.CompareAndSwap(false, true) {
		close(s.stop)
	}
}

// Drops returns the number of samples dropped at the source.
func (s *SyntheticSource) Drops() uint64 {
	return s.drops.Load()
}

func (s *SyntheticSource) generate() *Sample {
	seq := s.seq.Add(1)
	mac := s.macs[rand.Intn(len(s.macs))]
	rssi := int8(-40 - rand.Intn(40))

	const subcarriers = 52
	amplitude := make([]float32, subcarriers)
	phase := make([]float32, subcarriers)
	base := 20.0 + rand.Float64()*10.0
	for i := range amplitude {
		// Smooth curve across subcarriers with per-tone noise.
		amplitude[i] = float32(base + 5.0*math.Sin(float64(i)/8.0) + rand.Float64())
		phase[i] = float32(rand.Float64()*2*math.Pi - math.Pi)
	}
	return NewSample(seq, mac, rssi, s.channel, amplitude, phase)
}
