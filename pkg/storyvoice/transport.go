package storyvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// inboundFrame is one unit of inbound traffic: either a tagged protocol
// message or a raw binary PCM frame.
type inboundFrame struct {
	Msg    *ProtocolMessage
	Binary []byte
}

// transport is what the streaming session sees. The Negotiator is the
// production implementation; tests substitute a fake.
type transport interface {
	SendAudio(*PCMBuffer) *PipelineError
	SendControl(*ProtocolMessage) *PipelineError
	PrimaryActive() bool
	Frames() <-chan inboundFrame
	Fatal() <-chan *PipelineError
	Close()
}

// channelRole identifies which channel is authoritative for
// conversational audio.
type channelRole string

const (
	rolePrimary  channelRole = "primary"
	roleFallback channelRole = "fallback"
)

// audioAuthority is the arbitration rule: the primary channel, when
// open, is authoritative for conversational audio; the fallback socket
// is always the control channel and the source of narration audio.
func audioAuthority(primaryOpen bool) channelRole {
	if primaryOpen {
		return rolePrimary
	}
	return roleFallback
}

// primaryChannel wraps the vendor live-streaming session.
type primaryChannel struct {
	session   *genai.Session
	active    atomic.Bool
	log       *Logger
	closeOnce sync.Once
}

// openPrimary dials the vendor streaming API with the backend-issued
// credentials. Failure here is not fatal to the voice session; the
// caller degrades to the fallback channel.
func openPrimary(ctx context.Context, creds *SessionCredentials, cfg *Config, log *Logger) (*primaryChannel, error) {
	if creds.VendorToken == "" {
		return nil, errors.New("no vendor credentials issued")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  creds.VendorToken,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	model := creds.Model
	if model == "" {
		model = cfg.VendorModel
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if creds.SystemInstruction != "" {
		connectCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: creds.SystemInstruction}},
		}
	}

	session, err := client.Live.Connect(ctx, model, connectCfg)
	if err != nil {
		return nil, err
	}

	p := &primaryChannel{session: session, log: log.WithComponent("primary")}
	p.active.Store(true)
	return p, nil
}

func (p *primaryChannel) sendPCM(pcm *PCMBuffer) error {
	return p.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     pcm.Bytes(),
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", pcm.SampleRate),
		},
	})
}

// read pumps vendor messages into the shared frame channel. Model audio
// arrives as inline PCM and is forwarded as a binary frame; model text
// becomes a text_output message.
func (p *primaryChannel) read(frames chan<- inboundFrame, done <-chan struct{}) {
	for {
		msg, err := p.session.Receive()
		if err != nil {
			p.active.Store(false)
			p.log.Warn().Err(err).Msg("primary channel closed, continuing on fallback")
			return
		}
		if msg.ServerContent == nil || msg.ServerContent.ModelTurn == nil {
			continue
		}
		for _, part := range msg.ServerContent.ModelTurn.Parts {
			var frame inboundFrame
			switch {
			case part.InlineData != nil && len(part.InlineData.Data) > 0:
				frame = inboundFrame{Binary: part.InlineData.Data}
			case part.Text != "":
				frame = inboundFrame{Msg: &ProtocolMessage{Type: TagTextOutput, Text: part.Text}}
			default:
				continue
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}
}

func (p *primaryChannel) close() {
	p.active.Store(false)
	p.closeOnce.Do(func() {
		_ = p.session.Close()
	})
}

// fallbackChannel is the bidirectional socket transport of record.
type fallbackChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dialFallback(ctx context.Context, cfg *Config, socketURL string) (*fallbackChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	header := make(http.Header)
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	conn, resp, err := dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", socketURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", socketURL, err)
	}
	return &fallbackChannel{conn: conn}, nil
}

func (f *fallbackChannel) writeJSON(v any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.conn.WriteJSON(v)
}

func (f *fallbackChannel) close() {
	f.writeMu.Lock()
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
	f.writeMu.Unlock()
	_ = f.conn.Close()
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}

// Negotiator owns both transport channels and the retry/fallback
// policy. No other component holds a reference to the socket or the
// vendor client. The fallback socket is always opened and remains the
// control channel; the primary channel is best-effort.
type Negotiator struct {
	cfg *Config
	log *Logger

	primary  *primaryChannel
	fallback *fallbackChannel

	frames chan inboundFrame
	fatal  chan *PipelineError

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// Negotiate opens the session transports. Primary channel failure
// degrades silently (TRANSPORT_UNAVAILABLE is logged, not surfaced);
// fallback channel failure is fatal to session start.
func Negotiate(ctx context.Context, creds *SessionCredentials, cfg *Config) (*Negotiator, *PipelineError) {
	log := GetGlobalLogger().WithComponent("transport")
	n := &Negotiator{
		cfg:    cfg,
		log:    log,
		frames: make(chan inboundFrame, 64),
		fatal:  make(chan *PipelineError, 1),
		done:   make(chan struct{}),
	}

	primary, err := openPrimary(ctx, creds, cfg, log)
	if err != nil {
		// Not fatal: degrade to the fallback socket.
		degraded := NewTransportUnavailable(err)
		log.Warn().Err(degraded).Msg("primary channel unavailable")
		pipelineMetrics().FallbackActivations.Inc()
	} else {
		n.primary = primary
	}

	fallback, err := dialFallback(ctx, cfg, creds.SocketURL)
	if err != nil {
		if n.primary != nil {
			n.primary.close()
		}
		return nil, newPipelineError(ErrCodeTransportClosed,
			"could not connect the voice channel", err)
	}
	n.fallback = fallback

	// Both readers feed n.frames; a single closer goroutine closes it
	// only after every producer has returned.
	var readers sync.WaitGroup
	if n.primary != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			n.primary.read(n.frames, n.done)
		}()
	}
	readers.Add(1)
	go func() {
		defer readers.Done()
		n.readFallback()
	}()
	go func() {
		readers.Wait()
		close(n.frames)
	}()

	log.Info().
		Bool("primary", n.primary != nil).
		Str("authority", string(audioAuthority(n.primary != nil))).
		Msg("transport negotiated")
	return n, nil
}

// readFallback pumps socket traffic into the frame channel and
// interprets abnormal closures.
func (n *Negotiator) readFallback() {
	// The control channel going away ends the session either way, so
	// take the primary reader down with it to unblock its Receive loop.
	defer func() {
		if n.primary != nil {
			n.primary.close()
		}
	}()
	for {
		msgType, data, err := n.fallback.conn.ReadMessage()
		if err != nil {
			if n.closed.Load() {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					return
				}
				n.raiseFatal(NewTransportClosed(ce.Code))
				return
			}
			n.raiseFatal(NewTransportClosed(websocket.CloseAbnormalClosure))
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var msg ProtocolMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				n.log.Warn().Err(err).Msg("unparseable message on fallback channel")
				continue
			}
			pipelineMetrics().MessagesReceived.WithLabelValues(msg.Type).Inc()
			n.deliver(inboundFrame{Msg: &msg})
		case websocket.BinaryMessage:
			// Out-of-band binary frames are raw PCM at the channel's
			// default rate.
			pipelineMetrics().MessagesReceived.WithLabelValues("binary").Inc()
			n.deliver(inboundFrame{Binary: data})
		}
	}
}

func (n *Negotiator) deliver(frame inboundFrame) {
	select {
	case n.frames <- frame:
	case <-n.done:
	}
}

func (n *Negotiator) raiseFatal(err *PipelineError) {
	select {
	case n.fatal <- err:
	default:
	}
}

// SendAudio transmits an outbound PCM buffer. With the primary channel
// active the raw PCM goes straight to the vendor stream; otherwise it
// is base64-encoded into an audio_input message on the fallback socket.
func (n *Negotiator) SendAudio(pcm *PCMBuffer) *PipelineError {
	if pcm == nil || len(pcm.Samples) == 0 {
		return NewEmptyAudio()
	}

	if n.PrimaryActive() {
		if err := n.primary.sendPCM(pcm); err == nil {
			pipelineMetrics().MessagesSent.WithLabelValues("primary_audio").Inc()
			return nil
		} else {
			n.primary.active.Store(false)
			n.log.Warn().Err(err).Msg("primary send failed, degrading to fallback")
			pipelineMetrics().FallbackActivations.Inc()
		}
	}

	msg := &ProtocolMessage{
		Type:  TagAudioInput,
		Audio: base64.StdEncoding.EncodeToString(pcm.Bytes()),
	}
	return n.SendControl(msg)
}

// SendControl emits a tagged message on the fallback channel, which is
// the session's control channel regardless of primary availability.
func (n *Negotiator) SendControl(msg *ProtocolMessage) *PipelineError {
	if n.closed.Load() {
		return NewSessionStateError("transport is closed")
	}
	if err := n.fallback.writeJSON(msg); err != nil {
		return newPipelineError(ErrCodeTransportClosed, "failed to send on voice channel", err)
	}
	pipelineMetrics().MessagesSent.WithLabelValues(msg.Type).Inc()
	if n.cfg.DebugTransport {
		n.log.Debug().Str("type", msg.Type).Msg("sent")
	}
	return nil
}

// PrimaryActive reports whether the vendor channel is usable.
func (n *Negotiator) PrimaryActive() bool {
	return n.primary != nil && n.primary.active.Load()
}

// Frames is the merged inbound stream from both channels.
func (n *Negotiator) Frames() <-chan inboundFrame { return n.frames }

// Fatal delivers at most one fatal transport error; a fatal error
// always terminates the session.
func (n *Negotiator) Fatal() <-chan *PipelineError { return n.fatal }

// Close tears down both channels. Idempotent.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.done)
		if n.primary != nil {
			n.primary.close()
		}
		if n.fallback != nil {
			n.fallback.close()
		}
	})
}
