package storyvoice

import (
	"math"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		BackendURL:            "http://localhost:8000",
		Headers:               map[string]string{},
		CaptureSampleRate:     24000,
		OutboundSampleRate:    16000,
		InboundSampleRate:     24000,
		ChunkInterval:         100 * time.Millisecond,
		AmplitudePollInterval: 50 * time.Millisecond,
		StopFlushGrace:        10 * time.Millisecond,
		DialTimeout:           time.Second,
		VendorModel:           "test-model",
	}
}

func sineWave(freq float64, rate, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// countZeroCrossings estimates frequency content: a pure tone of f Hz
// over one second crosses zero about 2f times.
func countZeroCrossings(samples []int16) int {
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return crossings
}

func TestTranscodeResamplePreservesFrequency(t *testing.T) {
	const (
		srcRate = 44100
		freq    = 440.0
	)
	samples := sineWave(freq, srcRate, srcRate) // one second
	container, err := EncodeWAV(samples, srcRate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	tc := NewTranscoder(testConfig())
	pcm, perr := tc.Transcode(container)
	if perr != nil {
		t.Fatalf("Transcode: %v", perr)
	}
	if pcm.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", pcm.SampleRate)
	}

	ratio := float64(srcRate) / 16000.0
	wantLen := int(float64(len(samples)) / ratio)
	if len(pcm.Samples) != wantLen {
		t.Errorf("output length = %d, want %d", len(pcm.Samples), wantLen)
	}

	// One second of audio survived the resample, so crossings/2 is the
	// detected frequency.
	got := float64(countZeroCrossings(pcm.Samples)) / 2
	if math.Abs(got-freq) > freq*0.02 {
		t.Errorf("detected frequency = %.1f Hz, want %.1f Hz within 2%%", got, freq)
	}
}

func TestTranscodePassthroughRate(t *testing.T) {
	samples := sineWave(200, 16000, 1600)
	container, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	pcm, perr := NewTranscoder(testConfig()).Transcode(container)
	if perr != nil {
		t.Fatalf("Transcode: %v", perr)
	}
	if len(pcm.Samples) != len(samples) {
		t.Fatalf("length = %d, want %d", len(pcm.Samples), len(samples))
	}
	for i, s := range pcm.Samples {
		// Decode and requantize perturbs a sample by at most one step.
		if d := int(s) - int(samples[i]); d < -1 || d > 1 {
			t.Fatalf("sample %d: got %d, want %d (±1)", i, s, samples[i])
		}
	}
}

func TestTranscodeEmptyInput(t *testing.T) {
	_, perr := NewTranscoder(testConfig()).Transcode(nil)
	if perr == nil {
		t.Fatal("expected error for empty input")
	}
	if perr.Code != ErrCodeEmptyAudio {
		t.Errorf("code = %s, want %s", perr.Code, ErrCodeEmptyAudio)
	}
}

func TestTranscodeRawPCMFallback(t *testing.T) {
	// Headerless PCM16 at the capture rate should decode via the
	// unconstrained retry path.
	samples := sineWave(300, 24000, 2400)
	raw := (&PCMBuffer{Samples: samples, SampleRate: 24000}).Bytes()

	pcm, perr := NewTranscoder(testConfig()).Transcode(raw)
	if perr != nil {
		t.Fatalf("Transcode: %v", perr)
	}
	wantLen := int(float64(len(samples)) / (24000.0 / 16000.0))
	if len(pcm.Samples) != wantLen {
		t.Errorf("length = %d, want %d", len(pcm.Samples), wantLen)
	}
}

func TestQuantizeBounds(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{2.5, 32767},
		{-7, -32768},
		{0.5, 16384},
		{-0.5, -16384},
	}
	for _, tt := range tests {
		if got := quantizeSample(tt.in); got != tt.want {
			t.Errorf("quantizeSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQuantizeStaysInRange(t *testing.T) {
	for s := -1.0; s <= 1.0; s += 1.0 / 512 {
		v := quantizeSample(s)
		if v < -32768 || v > 32767 {
			t.Fatalf("quantizeSample(%v) = %d out of int16 range", s, v)
		}
	}
}

func TestDequantizeInverse(t *testing.T) {
	for _, v := range []int16{-32768, -16384, -1, 0, 1, 16384, 32767} {
		f := dequantizeSample(v)
		if f < -1 || f > 1 {
			t.Fatalf("dequantizeSample(%d) = %v outside [-1,1]", v, f)
		}
		if back := quantizeSample(float64(f)); back != v {
			t.Errorf("round trip of %d gave %d", v, back)
		}
	}
}

func TestResampleLinearEmptyAndSameRate(t *testing.T) {
	if got := resampleLinear(nil, 44100, 16000); len(got) != 0 {
		t.Errorf("nil input gave %d samples", len(got))
	}
	in := []float64{0.1, 0.2, 0.3}
	out := resampleLinear(in, 16000, 16000)
	if len(out) != 3 || out[1] != 0.2 {
		t.Errorf("same-rate resample altered data: %v", out)
	}
}
