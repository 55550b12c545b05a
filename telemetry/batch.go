package telemetry

import (
	"github.com/zeebo/xxh3"

	"csinode/csi"
)

// Batch is an ordered sequence of samples assembled for one transmission
// attempt. The serialized size never exceeds the transport payload limit the
// dispatcher assembled it under.
type Batch struct {
	DeviceID string
	Samples  []*csi.Sample
	Sequence uint32 // sequence of the first sample, used for frame numbering
}

// NewBatch wraps samples into a batch. Samples retain dispatcher ownership
// until the batch reaches a terminal outcome.
func NewBatch(deviceID string, samples []*csi.Sample) *Batch {
	b := &Batch{DeviceID: deviceID, Samples: samples}
	if len(samples) > 0 {
		b.Sequence = samples[0].Sequence
	}
	return b
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Samples)
}

// Marshal serializes the batch to the JSON wire form.
func (b *Batch) Marshal() ([]byte, error) {
	payload := BatchPayload{
		DeviceID:  b.DeviceID,
		BatchSize: len(b.Samples),
		Batch:     make([]SamplePayload, 0, len(b.Samples)),
	}
	for _, s := range b.Samples {
		payload.Batch = append(payload.Batch, EncodeSample(b.DeviceID, s))
	}
	return json.Marshal(payload)
}

// Hash returns a content hash over the batch's sample identities. Used in log
// lines to correlate retries of the same batch without printing every
// sequence number.
func (b *Batch) Hash() uint64 {
	buf := make([]byte, 0, len(b.Samples)*10)
	for _, s := range b.Samples {
		buf = append(buf,
			byte(s.Sequence), byte(s.Sequence>>8), byte(s.Sequence>>16), byte(s.Sequence>>24))
		buf = append(buf, s.MAC[:]...)
	}
	return xxh3.Hash(buf)
}

// WireSize estimates the serialized size of the batch in bytes.
func (b *Batch) WireSize() int {
	const envelope = 64
	size := envelope
	for _, s := range b.Samples {
		size += s.WireSize()
	}
	return size
}
