package storyvoice

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds pipeline settings. Values come from the environment
// (with .env support) and may be overridden before a session starts.
type Config struct {
	// BackendURL is the base URL of the session-start/session-end API.
	BackendURL string
	// Headers are sent on every backend request (auth cookies etc.).
	Headers map[string]string

	// CaptureSampleRate is the microphone rate. Captured audio is
	// transcoded down to OutboundSampleRate before transmission.
	CaptureSampleRate int
	// OutboundSampleRate is the canonical rate for audio crossing the
	// outbound boundary. Always 16 kHz on the wire.
	OutboundSampleRate int
	// InboundSampleRate is assumed for audio frames that arrive without
	// an explicit rate (raw binary frames on the fallback channel).
	InboundSampleRate int

	// ChunkInterval is the capture chunk cadence.
	ChunkInterval time.Duration
	// AmplitudePollInterval is how often amplitude consumers should
	// poll; the engine updates the level once per device callback.
	AmplitudePollInterval time.Duration
	// StopFlushGrace is how long Stop waits for in-flight device data.
	StopFlushGrace time.Duration

	// DialTimeout bounds fallback channel dialing.
	DialTimeout time.Duration
	// VendorModel is the model requested on the primary channel when
	// the backend does not name one.
	VendorModel string

	// MetricsAddr, when non-empty, is where the CLI serves /metrics.
	MetricsAddr string

	DebugTransport bool
	DebugAudio     bool
}

// NewConfig builds a Config from defaults and the environment.
func NewConfig() *Config {
	c := &Config{
		BackendURL:            "http://localhost:8000",
		Headers:               make(map[string]string),
		CaptureSampleRate:     24000,
		OutboundSampleRate:    16000,
		InboundSampleRate:     24000,
		ChunkInterval:         100 * time.Millisecond,
		AmplitudePollInterval: 50 * time.Millisecond,
		StopFlushGrace:        50 * time.Millisecond,
		DialTimeout:           10 * time.Second,
		VendorModel:           "gemini-2.0-flash-live-001",
	}
	c.loadFromEnv()
	return c
}

func (c *Config) loadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("STORYVOICE_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := os.Getenv("STORYVOICE_CAPTURE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CaptureSampleRate = n
		}
	}
	if v := os.Getenv("STORYVOICE_INBOUND_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.InboundSampleRate = n
		}
	}
	if v := os.Getenv("STORYVOICE_CHUNK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ChunkInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("STORYVOICE_DIAL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DialTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("STORYVOICE_VENDOR_MODEL"); v != "" {
		c.VendorModel = v
	}
	if v := os.Getenv("STORYVOICE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	c.DebugTransport = os.Getenv("STORYVOICE_DEBUG_TRANSPORT") == "true"
	c.DebugAudio = os.Getenv("STORYVOICE_DEBUG_AUDIO") == "true"
}

// Validate returns a list of configuration problems, empty when the
// config is usable.
func (c *Config) Validate() []string {
	var issues []string
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		issues = append(issues, fmt.Sprintf("backend URL must be http(s): %q", c.BackendURL))
	}
	if c.OutboundSampleRate != 16000 {
		issues = append(issues, "outbound sample rate is fixed at 16000 Hz by the wire contract")
	}
	if c.CaptureSampleRate <= 0 {
		issues = append(issues, "capture sample rate must be positive")
	}
	if c.InboundSampleRate <= 0 {
		issues = append(issues, "inbound sample rate must be positive")
	}
	if c.ChunkInterval <= 0 {
		issues = append(issues, "chunk interval must be positive")
	}
	if c.AmplitudePollInterval <= 0 {
		issues = append(issues, "amplitude poll interval must be positive")
	}
	return issues
}
