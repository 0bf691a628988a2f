package storyvoice

import (
	"context"
	"encoding/base64"
	"sync"
	"time"
)

// audioIn is the capture surface the session drives. CaptureEngine is
// the production implementation.
type audioIn interface {
	Start() *PipelineError
	Stop() ([]byte, *PipelineError)
	Abort()
	Close()
	Amplitude() int
}

// audioOut is the playback surface. PlaybackScheduler is the production
// implementation; only the session hands it audio.
type audioOut interface {
	Enqueue(pcm []byte, sampleRate int) *PipelineError
	Speaking() bool
	OnSpeaking(SpeakingHandler)
	Close()
}

// Session is the protocol state machine for one voice interaction. It
// owns every child resource: capture engine, playback scheduler, and
// transports, all created lazily and torn down together. A session is
// single-use; once ended or failed it cannot be restarted.
type Session struct {
	cfg     *Config
	log     *Logger
	backend *BackendClient
	storyID string

	transcoder *Transcoder
	logbook    *ConversationLog

	// Factory seams; production defaults are set by NewSession.
	newCapture  func() audioIn
	newPlayback func() audioOut
	dial        func(context.Context, *SessionCredentials) (transport, *PipelineError)

	mu         sync.Mutex
	state      SessionState
	listening  bool
	processing bool
	speaking   bool
	narrating  bool

	capture   audioIn
	playback  audioOut
	transport transport

	stateHandlers  []StateHandler
	errorHandlers  []ErrorHandler
	noticeHandlers []NoticeHandler

	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates an idle session for a story. Nothing is acquired
// until Start.
func NewSession(cfg *Config, backend *BackendClient, storyID string) *Session {
	if cfg == nil {
		cfg = NewConfig()
	}
	s := &Session{
		cfg:        cfg,
		log:        GetGlobalLogger().WithComponent("session").WithField("story_id", storyID),
		backend:    backend,
		storyID:    storyID,
		transcoder: NewTranscoder(cfg),
		logbook:    NewConversationLog(),
		state:      StateIdle,
		done:       make(chan struct{}),
	}
	s.newCapture = func() audioIn { return NewCaptureEngine(cfg) }
	s.newPlayback = func() audioOut { return NewPlaybackScheduler(cfg) }
	s.dial = func(ctx context.Context, creds *SessionCredentials) (transport, *PipelineError) {
		return Negotiate(ctx, creds, cfg)
	}
	return s
}

// Start asks the backend for session credentials, negotiates the
// transports, and moves the session to active. Valid only from idle.
func (s *Session) Start(ctx context.Context) *PipelineError {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return NewSessionStateError("session already started")
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	creds, perr := s.backend.StartVoiceSession(ctx, s.storyID)
	if perr != nil {
		s.fail(perr)
		return perr
	}

	tr, perr := s.dial(ctx, creds)
	if perr != nil {
		s.fail(perr)
		return perr
	}

	s.mu.Lock()
	s.transport = tr
	s.startedAt = time.Now()
	s.setStateLocked(StateActive)
	s.mu.Unlock()

	pipelineMetrics().SessionsStarted.Inc()
	go s.run()
	return nil
}

// run is the single dispatch loop: inbound frames and fatal transport
// errors are processed strictly in arrival order.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case perr := <-s.transport.Fatal():
			s.surfaceError(perr)
			s.notify(UserMessage(perr))
			s.logbook.Append(EventSystem, perr.Message, "")
			s.fail(perr)
			return
		case frame, ok := <-s.transport.Frames():
			if !ok {
				// Orderly closure from the server side.
				s.Close()
				return
			}
			s.dispatch(frame)
		}
	}
}

// dispatch applies one inbound frame to the session state. Binary
// frames are raw PCM audio output at the channel's default rate.
func (s *Session) dispatch(frame inboundFrame) {
	if frame.Msg == nil {
		if len(frame.Binary) > 0 {
			s.setProcessing(false)
			s.setSpeaking(true)
			s.scheduleAudio(frame.Binary, s.cfg.InboundSampleRate)
		}
		return
	}

	msg := frame.Msg
	switch msg.Type {
	case TagConnectionEstablished:
		s.logbook.Append(EventSystem, msg.Message, "")
		s.log.Info().Str("story_id", msg.StoryID).Msg("voice session established")

	case TagProcessing:
		s.setProcessing(true)

	case TagAudioOutput:
		if s.transport.PrimaryActive() {
			// Hybrid mode: the primary channel is authoritative for
			// conversational audio; drop the duplicate payload but keep
			// the transcript.
			if msg.Text != "" {
				s.logbook.Append(EventAIResponse, msg.Text, "")
			}
			return
		}
		s.setProcessing(false)
		s.setSpeaking(true)
		s.scheduleBase64Audio(msg)
		if msg.Text != "" {
			s.logbook.Append(EventAIResponse, msg.Text, "")
		}

	case TagTextOutput:
		s.setProcessing(false)
		s.logbook.Append(EventAIResponse, msg.Text, "")

	case TagNarrationStarted:
		s.mu.Lock()
		s.narrating = true
		s.setSpeakingLocked(true)
		s.mu.Unlock()
		s.logbook.Append(EventSystem, msg.Message, "")

	case TagNarrationText:
		s.logbook.Append(EventNarration, msg.Text, "")

	case TagNarrationAudio:
		s.scheduleBase64Audio(msg)

	case TagNarrationComplete, TagNarrationStopped:
		s.mu.Lock()
		s.narrating = false
		if !s.playbackSpeaking() {
			s.setSpeakingLocked(false)
		}
		s.mu.Unlock()
		s.logbook.Append(EventSystem, msg.Message, "")

	case TagError:
		s.setProcessing(false)
		s.mu.Lock()
		s.narrating = false
		s.setSpeakingLocked(false)
		s.mu.Unlock()
		perr := NewProtocolError(msg.Message)
		s.surfaceError(perr)
		s.notify(msg.Message)
		s.logbook.Append(EventSystem, "Error: "+msg.Message, "")

	default:
		s.log.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

func (s *Session) scheduleBase64Audio(msg *ProtocolMessage) {
	if msg.Audio == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("undecodable audio payload")
		return
	}
	rate := msg.SampleRate
	if rate <= 0 {
		rate = s.cfg.InboundSampleRate
	}
	s.scheduleAudio(pcm, rate)
}

func (s *Session) scheduleAudio(pcm []byte, rate int) {
	s.mu.Lock()
	if s.playback == nil {
		s.playback = s.newPlayback()
		s.playback.OnSpeaking(s.onPlaybackSpeaking)
	}
	playback := s.playback
	s.mu.Unlock()

	if perr := playback.Enqueue(pcm, rate); perr != nil {
		s.surfaceError(perr)
	}
}

// onPlaybackSpeaking mirrors the scheduler's signal into the session
// flags. The speaking flag is held while a narration is in progress
// even if the queue momentarily drains between narration fragments.
func (s *Session) onPlaybackSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if speaking {
		s.setSpeakingLocked(true)
		return
	}
	if !s.narrating {
		s.setSpeakingLocked(false)
	}
}

func (s *Session) playbackSpeaking() bool {
	if s.playback == nil {
		return false
	}
	return s.playback.Speaking()
}

// StartListening opens the microphone. Rejected while a capture is
// already active and while the assistant is processing or speaking, so
// the user cannot talk over playback.
func (s *Session) StartListening() *PipelineError {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		s.notifyLocked("Not connected. Start a voice session first.")
		return NewSessionStateError("session is not active")
	}
	if s.listening {
		return NewSessionStateError("capture already in progress")
	}
	if s.processing || s.speaking {
		s.notifyLocked("Please wait for the current response to finish.")
		return NewSessionStateError("recording is disabled while the assistant is responding")
	}

	if s.capture == nil {
		s.capture = s.newCapture()
	}
	if perr := s.capture.Start(); perr != nil {
		s.notifyLocked(UserMessage(perr))
		return perr
	}
	s.listening = true
	return nil
}

// StopListening closes the microphone, transcodes the capture to
// canonical PCM, and transmits it. Empty or undecodable captures
// surface a retry-able prompt and leave the session active.
func (s *Session) StopListening() *PipelineError {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return NewSessionStateError("not listening")
	}
	s.listening = false
	capture := s.capture
	tr := s.transport
	s.mu.Unlock()

	container, perr := capture.Stop()
	if perr != nil {
		s.notify(UserMessage(perr))
		return perr
	}

	pcm, perr := s.transcoder.Transcode(container)
	if perr != nil {
		s.notify(UserMessage(perr))
		return perr
	}

	if perr := tr.SendAudio(pcm); perr != nil {
		s.surfaceError(perr)
		return perr
	}
	s.logbook.Append(EventUserQuestion, "[voice message]", "")
	return nil
}

// SendText submits a typed question on the control channel.
func (s *Session) SendText(text string) *PipelineError {
	s.mu.Lock()
	if s.state != StateActive {
		s.notifyLocked("Not connected. Start a voice session first.")
		s.mu.Unlock()
		return nil
	}
	tr := s.transport
	s.mu.Unlock()

	if perr := tr.SendControl(&ProtocolMessage{Type: TagTextInput, Text: text}); perr != nil {
		s.surfaceError(perr)
		return perr
	}
	s.logbook.Append(EventUserQuestion, text, "")
	return nil
}

// StartNarration asks the server to narrate the story. Outside an
// active session this is a no-op that surfaces a "not connected"
// notice rather than an error.
func (s *Session) StartNarration() *PipelineError {
	return s.sendNarrationControl(TagStartNarration)
}

// StopNarration asks the server to stop the current narration. Same
// gating as StartNarration.
func (s *Session) StopNarration() *PipelineError {
	return s.sendNarrationControl(TagStopNarration)
}

func (s *Session) sendNarrationControl(tag string) *PipelineError {
	s.mu.Lock()
	if s.state != StateActive {
		s.notifyLocked("Not connected. Start a voice session first.")
		s.mu.Unlock()
		return nil
	}
	tr := s.transport
	s.mu.Unlock()

	if perr := tr.SendControl(&ProtocolMessage{Type: tag}); perr != nil {
		s.surfaceError(perr)
		return perr
	}
	return nil
}

// Close tears the session down: device released, transports closed,
// audio graph released, backend notified. Idempotent, and safe to call
// from any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		capture := s.capture
		playback := s.playback
		tr := s.transport
		s.listening = false
		s.processing = false
		s.setSpeakingLocked(false)
		if s.state != StateFailed {
			s.setStateLocked(StateEnded)
		}
		started := s.startedAt
		s.mu.Unlock()

		close(s.done)
		if capture != nil {
			capture.Close()
		}
		if playback != nil {
			playback.Close()
		}
		if tr != nil {
			tr.Close()
		}

		if s.backend != nil {
			// Best effort; backend failures never block teardown.
			if perr := s.backend.EndVoiceSession(context.Background(), s.storyID); perr != nil {
				s.log.Warn().Err(perr).Msg("session end notification failed")
			}
		}
		if !started.IsZero() {
			pipelineMetrics().SessionDuration.Observe(time.Since(started).Seconds())
		}
		s.log.Info().Msg("session closed")
	})
}

// fail marks the session failed and tears it down.
func (s *Session) fail(perr *PipelineError) {
	s.mu.Lock()
	if s.state != StateEnded {
		s.setStateLocked(StateFailed)
	}
	s.mu.Unlock()
	s.log.Error().Err(perr).Msg("session failed")
	s.Close()
}

// --- flag and handler plumbing ---

func (s *Session) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}
	s.state = state
	handlers := make([]StateHandler, len(s.stateHandlers))
	copy(handlers, s.stateHandlers)
	go func() {
		for _, h := range handlers {
			h(state)
		}
	}()
}

func (s *Session) setProcessing(v bool) {
	s.mu.Lock()
	s.processing = v
	s.mu.Unlock()
}

func (s *Session) setSpeaking(v bool) {
	s.mu.Lock()
	s.setSpeakingLocked(v)
	s.mu.Unlock()
}

// setSpeakingLocked maintains the listening/speaking exclusivity
// invariant: speaking going true aborts any open capture.
func (s *Session) setSpeakingLocked(v bool) {
	if v && s.listening {
		s.listening = false
		if s.capture != nil {
			s.capture.Abort()
		}
	}
	s.speaking = v
}

func (s *Session) surfaceError(perr *PipelineError) {
	s.mu.Lock()
	handlers := make([]ErrorHandler, len(s.errorHandlers))
	copy(handlers, s.errorHandlers)
	s.mu.Unlock()
	for _, h := range handlers {
		h(perr)
	}
}

func (s *Session) notify(message string) {
	s.mu.Lock()
	s.notifyLocked(message)
	s.mu.Unlock()
}

func (s *Session) notifyLocked(message string) {
	if message == "" {
		return
	}
	handlers := make([]NoticeHandler, len(s.noticeHandlers))
	copy(handlers, s.noticeHandlers)
	go func() {
		for _, h := range handlers {
			h(message)
		}
	}()
}

// OnState registers a state transition handler.
func (s *Session) OnState(h StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandlers = append(s.stateHandlers, h)
}

// OnError registers an error handler.
func (s *Session) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandlers = append(s.errorHandlers, h)
}

// OnNotice registers a handler for user-visible prompts.
func (s *Session) OnNotice(h NoticeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noticeHandlers = append(s.noticeHandlers, h)
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listening reports whether the microphone is open.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Processing reports whether the server is working on a request.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Speaking reports whether response audio is playing or pending.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Amplitude returns the live input level for UI metering.
func (s *Session) Amplitude() int {
	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()
	if capture == nil {
		return 0
	}
	return capture.Amplitude()
}

// Log returns the conversation log.
func (s *Session) Log() *ConversationLog {
	return s.logbook
}
