package storyvoice

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// CaptureEngine owns the microphone device handle. While active it
// emits WAV-containerized AudioChunks at the configured cadence and a
// live amplitude level for visual feedback. Start and Stop are mutually
// exclusive: starting while a capture is in progress is rejected rather
// than opening a second device handle.
//
// Echo cancellation and noise suppression are provided by the host
// capture stack; the engine requests a plain mono stream.
type CaptureEngine struct {
	cfg *Config
	log *Logger

	mu        sync.Mutex
	stream    *portaudio.Stream
	capturing bool
	draining  bool
	paHeld    bool

	// Callback-side state, guarded separately so the device callback
	// never contends with Stop holding the engine mutex.
	dataMu   sync.Mutex
	recorded []int16
	seq      uint64

	stopped   atomic.Bool
	amplitude atomic.Int32
	chunks    chan AudioChunk
}

// NewCaptureEngine returns an idle engine. The device is acquired on
// Start.
func NewCaptureEngine(cfg *Config) *CaptureEngine {
	return &CaptureEngine{
		cfg: cfg,
		log: GetGlobalLogger().WithComponent("capture"),
	}
}

// Start acquires the default input device for mono capture at the
// configured rate. It fails with DEVICE_UNAVAILABLE when no device
// exists or permission is denied, and with SESSION_STATE when a capture
// is already in progress.
func (e *CaptureEngine) Start() *PipelineError {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The stream check covers the drain window in Stop: the device
	// handle is still open there even though no new capture may begin.
	if e.capturing || e.draining || e.stream != nil {
		return NewSessionStateError("capture already in progress")
	}

	if err := acquirePortAudio(); err != nil {
		return NewDeviceUnavailable(err)
	}
	e.paHeld = true

	frames := int(float64(e.cfg.CaptureSampleRate) * e.cfg.ChunkInterval.Seconds())
	if frames <= 0 {
		frames = e.cfg.CaptureSampleRate / 10
	}

	e.dataMu.Lock()
	e.recorded = nil
	e.seq = 0
	e.dataMu.Unlock()
	e.stopped.Store(false)
	e.amplitude.Store(0)
	e.chunks = make(chan AudioChunk, 64)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(e.cfg.CaptureSampleRate), frames, e.onInput)
	if err != nil {
		e.releaseLocked()
		return NewDeviceUnavailable(err)
	}
	e.stream = stream

	if err := stream.Start(); err != nil {
		e.releaseLocked()
		return NewDeviceUnavailable(err)
	}

	e.capturing = true
	e.log.Debug().Int("rate", e.cfg.CaptureSampleRate).Int("frames_per_chunk", frames).Msg("capture started")
	return nil
}

// onInput runs on the device callback once per chunk interval.
func (e *CaptureEngine) onInput(in []int16) {
	if e.stopped.Load() || len(in) == 0 {
		return
	}

	var sum float64
	for _, s := range in {
		sum += math.Abs(float64(s))
	}
	level := int32(sum / float64(len(in)) / 32768 * 255)
	if level > 255 {
		level = 255
	}
	e.amplitude.Store(level)

	samples := make([]int16, len(in))
	copy(samples, in)

	e.dataMu.Lock()
	e.recorded = append(e.recorded, samples...)
	seq := e.seq
	e.seq++
	e.dataMu.Unlock()

	container, err := EncodeWAV(samples, e.cfg.CaptureSampleRate)
	if err != nil {
		return
	}
	pipelineMetrics().ChunksCaptured.Inc()
	if e.cfg.DebugAudio {
		e.log.Debug().Uint64("seq", seq).Int("samples", len(samples)).Int32("level", level).Msg("chunk captured")
	}

	// Drop rather than block: the device callback must never stall.
	select {
	case e.chunks <- AudioChunk{Seq: seq, Data: container}:
	default:
	}
}

// Stop flushes the final partial chunk, waits the configured grace
// period for in-flight device data, releases the device, and returns
// everything captured as one WAV container. It fails with EMPTY_CAPTURE
// when zero samples were collected, including when no capture was
// active.
func (e *CaptureEngine) Stop() ([]byte, *PipelineError) {
	e.mu.Lock()
	if !e.capturing || e.draining {
		e.mu.Unlock()
		return nil, NewEmptyCapture()
	}
	// The engine stays in the capturing state for the whole drain so a
	// concurrent Start cannot open a second device handle.
	e.draining = true
	e.mu.Unlock()

	// Bounded grace for the last device callback to land.
	time.Sleep(e.cfg.StopFlushGrace)
	e.stopped.Store(true)

	e.mu.Lock()
	// An Abort may have finished the teardown already.
	if e.draining {
		e.capturing = false
		e.draining = false
		e.releaseLocked()
	}
	e.mu.Unlock()

	e.dataMu.Lock()
	samples := e.recorded
	e.recorded = nil
	e.dataMu.Unlock()

	if len(samples) == 0 {
		return nil, NewEmptyCapture()
	}

	container, err := EncodeWAV(samples, e.cfg.CaptureSampleRate)
	if err != nil {
		return nil, NewUnsupportedFormat(err)
	}
	e.log.Debug().Int("samples", len(samples)).Msg("capture stopped")
	return container, nil
}

// Abort discards the current capture without producing a buffer. Safe
// to call when idle.
func (e *CaptureEngine) Abort() {
	e.stopped.Store(true)
	e.mu.Lock()
	e.capturing = false
	e.draining = false
	e.releaseLocked()
	e.mu.Unlock()

	e.dataMu.Lock()
	e.recorded = nil
	e.dataMu.Unlock()
}

// Close releases the device unconditionally. Idempotent.
func (e *CaptureEngine) Close() {
	e.Abort()
}

// releaseLocked tears down the stream and the portaudio reference. The
// engine mutex must be held. Safe to call repeatedly.
func (e *CaptureEngine) releaseLocked() {
	if e.stream != nil {
		if err := e.stream.Stop(); err != nil {
			e.log.Debug().Err(err).Msg("stream stop")
		}
		if err := e.stream.Close(); err != nil {
			e.log.Debug().Err(err).Msg("stream close")
		}
		e.stream = nil
	}
	if e.paHeld {
		releasePortAudio()
		e.paHeld = false
	}
	e.amplitude.Store(0)
}

// Capturing reports whether the device is currently open.
func (e *CaptureEngine) Capturing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capturing
}

// Amplitude returns the current input level in [0, 255]. Poll at the
// configured AmplitudePollInterval for UI metering.
func (e *CaptureEngine) Amplitude() int {
	return int(e.amplitude.Load())
}

// Chunks exposes the live chunk stream for the current capture. The
// channel is replaced on each Start.
func (e *CaptureEngine) Chunks() <-chan AudioChunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks
}
