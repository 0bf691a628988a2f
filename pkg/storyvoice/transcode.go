package storyvoice

import (
	"math"
)

// Transcoder converts captured container audio into the canonical
// outbound PCM format: mono, 16-bit signed little-endian, 16 kHz.
type Transcoder struct {
	// TargetRate is the canonical outbound rate.
	TargetRate int
	// RawFallbackRate is assumed when the strict decoder fails and the
	// input is retried as headerless PCM16.
	RawFallbackRate int

	log *Logger
}

// NewTranscoder builds a transcoder from pipeline config.
func NewTranscoder(cfg *Config) *Transcoder {
	return &Transcoder{
		TargetRate:      cfg.OutboundSampleRate,
		RawFallbackRate: cfg.CaptureSampleRate,
		log:             GetGlobalLogger().WithComponent("transcoder"),
	}
}

// Transcode decodes container audio, resamples it to the target rate,
// and quantizes to int16. Decoding is tried strictly first; on failure
// the input is retried as headerless raw PCM16 before giving up with
// UNSUPPORTED_AUDIO_FORMAT. Empty input fails with EMPTY_AUDIO so a
// zero-length buffer never silently crosses the outbound boundary.
func (t *Transcoder) Transcode(container []byte) (*PCMBuffer, *PipelineError) {
	if len(container) == 0 {
		return nil, NewEmptyAudio()
	}

	samples, rate, err := DecodeWAV(container)
	if err != nil {
		t.log.Debug().Err(err).Msg("strict decode failed, retrying as raw PCM")
		samples, rate, err = decodeRawPCM16(container, t.RawFallbackRate)
		if err != nil {
			return nil, NewUnsupportedFormat(err)
		}
	}
	if len(samples) == 0 {
		return nil, NewEmptyAudio()
	}

	if rate != t.TargetRate {
		samples = resampleLinear(samples, rate, t.TargetRate)
		if len(samples) == 0 {
			return nil, NewEmptyAudio()
		}
	}

	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = quantizeSample(s)
	}

	pipelineMetrics().BytesTranscoded.Add(float64(len(out) * 2))
	return &PCMBuffer{Samples: out, SampleRate: t.TargetRate}, nil
}

// decodeRawPCM16 is the unconstrained decode path: interpret the bytes
// as headerless little-endian PCM16 mono at the given rate. A trailing
// odd byte is dropped.
func decodeRawPCM16(data []byte, rate int) ([]float64, int, error) {
	n := len(data) / 2
	if n == 0 {
		return nil, 0, NewEmptyAudio()
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float64(s) / 32768.0
	}
	return out, rate, nil
}

// resampleLinear converts samples from srcRate to dstRate by linear
// interpolation. Output index i maps to source position i*(src/dst);
// the two nearest source samples are interpolated. Output length is
// floor(n / (src/dst)).
func resampleLinear(in []float64, srcRate, dstRate int) []float64 {
	if srcRate == dstRate || len(in) == 0 {
		out := make([]float64, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(in)) / ratio)
	out := make([]float64, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 < len(in) {
			out[i] = in[idx]*(1-frac) + in[idx+1]*frac
		} else {
			out[i] = in[idx]
		}
	}
	return out
}

// quantizeSample maps a float sample to int16. Inputs outside [-1, 1]
// are clipped first. The positive and negative halves scale by 32767
// and 32768 respectively so the full int16 range is reachable.
func quantizeSample(s float64) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s >= 0 {
		return int16(math.Round(s * 32767))
	}
	return int16(math.Round(s * 32768))
}

// dequantizeSample is the inverse mapping used on playback: int16 back
// to a float in [-1, 1].
func dequantizeSample(v int16) float32 {
	if v >= 0 {
		return float32(v) / 32767
	}
	return float32(v) / 32768
}

// decodePCM16Bytes converts little-endian PCM16 bytes into normalized
// float32 samples for the playback graph.
func decodePCM16Bytes(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = dequantizeSample(s)
	}
	return out
}

// resampleLinear32 is the float32 counterpart used by the playback
// scheduler when an inbound fragment's rate differs from the open
// output stream.
func resampleLinear32(in []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(in) == 0 {
		return in
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(in)) / ratio)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		if idx+1 < len(in) {
			out[i] = in[idx]*(1-frac) + in[idx+1]*frac
		} else {
			out[i] = in[idx]
		}
	}
	return out
}
