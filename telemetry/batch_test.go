package telemetry

import (
	stdjson "encoding/json"
	"testing"

	"csinode/csi"
)

func sampleWithSeq(seq uint32) *csi.Sample {
	return csi.NewSample(seq, [6]byte{0xaa, 0xbb, 0xcc, 0x00, 0x11, 0x22}, -62, 11,
		[]float32{1.5, 2.5, 3.5}, []float32{0.1, 0.2, 0.3})
}

func TestBatchMarshalShape(t *testing.T) {
	b := NewBatch("node-7", []*csi.Sample{sampleWithSeq(10), sampleWithSeq(11)})
	data, err := b.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		DeviceID  string `json:"device_id"`
		BatchSize int    `json:"batch_size"`
		Batch     []struct {
			Sequence   uint32 `json:"sequence"`
			MACAddress string `json:"mac_address"`
			WifiInfo   struct {
				Channel uint8 `json:"channel"`
				RSSI    int8  `json:"rssi"`
			} `json:"wifi_info"`
			CSIData struct {
				SubcarrierCount uint16    `json:"subcarrier_count"`
				Amplitude       []float32 `json:"amplitude"`
				Phase           []float32 `json:"phase"`
			} `json:"csi_data"`
		} `json:"batch"`
	}
	if err := stdjson.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.DeviceID != "node-7" || decoded.BatchSize != 2 || len(decoded.Batch) != 2 {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	first := decoded.Batch[0]
	if first.Sequence != 10 {
		t.Fatalf("expected sequence 10, got %d", first.Sequence)
	}
	if first.MACAddress != "aa:bb:cc:00:11:22" {
		t.Fatalf("unexpected mac: %s", first.MACAddress)
	}
	if first.WifiInfo.Channel != 11 || first.WifiInfo.RSSI != -62 {
		t.Fatalf("unexpected wifi info: %+v", first.WifiInfo)
	}
	if first.CSIData.SubcarrierCount != 3 || len(first.CSIData.Amplitude) != 3 || len(first.CSIData.Phase) != 3 {
		t.Fatalf("unexpected csi data: %+v", first.CSIData)
	}
}

func TestBatchOmitsNilPhase(t *testing.T) {
	s := csi.NewSample(1, [6]byte{1, 2, 3, 4, 5, 6}, -40, 1, []float32{9}, nil)
	data, err := MarshalSample("n", s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := stdjson.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	csiData := m["csi_data"].(map[string]any)
	if _, present := csiData["phase"]; present {
		t.Fatal("expected phase to be omitted when nil")
	}
}

func TestBatchHashStableAcrossRetries(t *testing.T) {
	samples := []*csi.Sample{sampleWithSeq(1), sampleWithSeq(2)}
	b1 := NewBatch("n", samples)
	h1 := b1.Hash()
	samples[0].Attempts = 3 // attempt bookkeeping must not change identity
	if NewBatch("n", samples).Hash() != h1 {
		t.Fatal("hash changed after attempt count update")
	}
	if NewBatch("n", []*csi.Sample{sampleWithSeq(1)}).Hash() == h1 {
		t.Fatal("different batches produced identical hash")
	}
}

func TestBatchSequenceFromFirstSample(t *testing.T) {
	b := NewBatch("n", []*csi.Sample{sampleWithSeq(99), sampleWithSeq(100)})
	if b.Sequence != 99 {
		t.Fatalf("expected batch sequence 99, got %d", b.Sequence)
	}
}
