package storyvoice

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// playQueue is the FIFO feeding the output stream. Decoded fragments
// are delivered by sequence number and buffered until their turn, so
// playback order always matches enqueue order even when decodes finish
// out of order.
type playQueue struct {
	mu      sync.Mutex
	pending map[uint64][]float32
	counter uint64
	next    uint64
	samples []float32
	// outstanding counts fragments enqueued but not yet delivered, so
	// the drain check does not fire between back-to-back fragments.
	outstanding int
}

func newPlayQueue() *playQueue {
	return &playQueue{pending: make(map[uint64][]float32)}
}

// reserve hands out the next sequence number and marks it in flight.
func (q *playQueue) reserve() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.counter
	q.counter++
	q.outstanding++
	return seq
}

// deliver hands decoded samples to the queue. Fragments arriving ahead
// of their turn are parked until every earlier fragment has landed.
func (q *playQueue) deliver(seq uint64, samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	if seq < q.next {
		// Fragment from before a clear.
		return
	}
	q.pending[seq] = samples
	for {
		buf, ok := q.pending[q.next]
		if !ok {
			break
		}
		delete(q.pending, q.next)
		q.samples = append(q.samples, buf...)
		q.next++
	}
}

// pull copies queued samples into out, zero-filling any remainder, and
// returns how many real samples were written.
func (q *playQueue) pull(out []float32) int {
	q.mu.Lock()
	n := copy(out, q.samples)
	q.samples = q.samples[n:]
	q.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

// drained reports whether nothing is queued, parked, or in flight.
func (q *playQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples) == 0 && len(q.pending) == 0 && q.outstanding == 0
}

func (q *playQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

func (q *playQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[uint64][]float32)
	q.samples = nil
	q.next = q.counter
	q.outstanding = 0
}

// PlaybackScheduler decodes inbound PCM fragments and plays them
// back-to-back through a single shared output stream. Buffers never
// overlap, the queue is strictly FIFO, and the speaking signal holds
// true from the first enqueue until the last scheduled buffer finishes.
type PlaybackScheduler struct {
	cfg *Config
	log *Logger

	mu     sync.Mutex
	queue  *playQueue
	stream *portaudio.Stream
	rate   int
	paHeld bool
	closed bool

	speaking bool
	handlers []SpeakingHandler
	drainC   chan struct{}
	doneC    chan struct{}
}

// NewPlaybackScheduler returns an idle scheduler. The output stream is
// opened lazily on the first enqueue, at that fragment's sample rate.
func NewPlaybackScheduler(cfg *Config) *PlaybackScheduler {
	s := &PlaybackScheduler{
		cfg:    cfg,
		log:    GetGlobalLogger().WithComponent("playback"),
		queue:  newPlayQueue(),
		drainC: make(chan struct{}, 1),
		doneC:  make(chan struct{}),
	}
	go s.watchDrain()
	return s
}

// Enqueue schedules a PCM16LE byte buffer for playback immediately
// after everything already queued. Decoding happens off the caller's
// goroutine; completion order does not affect playback order.
func (s *PlaybackScheduler) Enqueue(pcm []byte, sampleRate int) *PipelineError {
	if len(pcm) == 0 {
		return NewEmptyAudio()
	}
	if sampleRate <= 0 {
		sampleRate = s.cfg.InboundSampleRate
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewSessionStateError("playback scheduler is closed")
	}
	if err := s.ensureStreamLocked(sampleRate); err != nil {
		s.mu.Unlock()
		return err
	}
	streamRate := s.rate
	s.setSpeakingLocked(true)
	seq := s.queue.reserve()
	s.mu.Unlock()

	if s.cfg.DebugAudio {
		s.log.Debug().Uint64("seq", seq).Int("bytes", len(pcm)).Int("rate", sampleRate).Msg("fragment enqueued")
	}

	go func() {
		samples := decodePCM16Bytes(pcm)
		if sampleRate != streamRate {
			samples = resampleLinear32(samples, sampleRate, streamRate)
		}
		s.queue.deliver(seq, samples)
		pipelineMetrics().PlaybackQueueDepth.Set(float64(s.queue.depth()))
	}()
	return nil
}

// ensureStreamLocked opens the shared output sink on first use. Later
// fragments at other rates are resampled to the open stream's rate
// rather than reopening the device mid-utterance.
func (s *PlaybackScheduler) ensureStreamLocked(sampleRate int) *PipelineError {
	if s.stream != nil {
		return nil
	}
	if err := acquirePortAudio(); err != nil {
		return NewDeviceUnavailable(err)
	}
	s.paHeld = true

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), 1024, s.onOutput)
	if err != nil {
		releasePortAudio()
		s.paHeld = false
		return NewDeviceUnavailable(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releasePortAudio()
		s.paHeld = false
		return NewDeviceUnavailable(err)
	}
	s.stream = stream
	s.rate = sampleRate
	s.log.Debug().Int("rate", sampleRate).Msg("output stream opened")
	return nil
}

// onOutput feeds the device from the queue, silence when empty.
func (s *PlaybackScheduler) onOutput(out []float32) {
	n := s.queue.pull(out)
	if n < len(out) && !s.queue.drained() {
		pipelineMetrics().PlaybackUnderruns.Inc()
	}
	if s.queue.drained() {
		select {
		case s.drainC <- struct{}{}:
		default:
		}
	}
}

// watchDrain clears the speaking signal once the queue has fully
// drained. Drain notifications raised while fragments are still in
// flight are re-checked under the lock, so the signal never flickers
// between back-to-back buffers.
func (s *PlaybackScheduler) watchDrain() {
	for {
		select {
		case <-s.doneC:
			return
		case <-s.drainC:
			s.mu.Lock()
			if s.queue.drained() {
				s.setSpeakingLocked(false)
			}
			s.mu.Unlock()
		}
	}
}

func (s *PlaybackScheduler) setSpeakingLocked(v bool) {
	if s.speaking == v {
		return
	}
	s.speaking = v
	handlers := make([]SpeakingHandler, len(s.handlers))
	copy(handlers, s.handlers)
	go func() {
		for _, h := range handlers {
			h(v)
		}
	}()
}

// Speaking reports whether scheduled audio is still pending or playing.
func (s *PlaybackScheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// OnSpeaking registers a handler for speaking transitions.
func (s *PlaybackScheduler) OnSpeaking(h SpeakingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Close releases the output graph. Idempotent: redundant releases are
// no-ops.
func (s *PlaybackScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.doneC)
	s.queue.clear()
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("output stream stop")
		}
		if err := s.stream.Close(); err != nil {
			s.log.Debug().Err(err).Msg("output stream close")
		}
		s.stream = nil
	}
	if s.paHeld {
		releasePortAudio()
		s.paHeld = false
	}
	s.setSpeakingLocked(false)
}
