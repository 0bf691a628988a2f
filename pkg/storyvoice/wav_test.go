package storyvoice

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	samples := sineWave(500, 24000, 2400)
	data, err := EncodeWAV(samples, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) != 44+len(samples)*2 {
		t.Errorf("container size = %d, want %d", len(data), 44+len(samples)*2)
	}

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 24000 {
		t.Errorf("rate = %d, want 24000", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i, f := range decoded {
		want := float64(samples[i]) / 32768.0
		if math.Abs(f-want) > 1e-9 {
			t.Fatalf("sample %d: got %v, want %v", i, f, want)
		}
	}
}

func TestEncodeWAVRejectsEmpty(t *testing.T) {
	if _, err := EncodeWAV(nil, 24000); err == nil {
		t.Error("expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":      nil,
		"short":      []byte("RIFF"),
		"not a wav":  []byte("this is definitely not audio data at all"),
		"bad header": append([]byte("RIFFxxxxWAVE"), make([]byte, 20)...),
	}
	for name, data := range cases {
		if _, _, err := DecodeWAV(data); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

// stereoWAV builds a two-channel container by hand; EncodeWAV only
// writes mono.
func stereoWAV(t *testing.T, left, right []int16, rate int) []byte {
	t.Helper()
	if len(left) != len(right) {
		t.Fatal("channel length mismatch")
	}
	dataSize := uint32(len(left) * 4)
	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVEfmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint32(rate))
	binary.Write(buf, binary.LittleEndian, uint32(rate*4))
	binary.Write(buf, binary.LittleEndian, uint16(4))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	for i := range left {
		binary.Write(buf, binary.LittleEndian, left[i])
		binary.Write(buf, binary.LittleEndian, right[i])
	}
	return buf.Bytes()
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	left := []int16{1000, 2000, -3000}
	right := []int16{3000, 0, -1000}
	data := stereoWAV(t, left, right, 16000)

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	for i := range left {
		want := (float64(left[i])/32768 + float64(right[i])/32768) / 2
		if math.Abs(decoded[i]-want) > 1e-9 {
			t.Errorf("frame %d: got %v, want %v", i, decoded[i], want)
		}
	}
}
