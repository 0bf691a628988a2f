package storyvoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// BackendClient talks to the session-start and session-end
// collaborators. It is intentionally thin: the backend owns stories,
// auth, and persistence; this client only brokers voice sessions.
type BackendClient struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	log        *Logger
}

// NewBackendClient builds a client from pipeline config.
func NewBackendClient(cfg *Config) *BackendClient {
	return &BackendClient{
		baseURL:    cfg.BackendURL,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        GetGlobalLogger().WithComponent("backend"),
	}
}

// StartVoiceSession asks the backend to open a voice session for a
// story. The response carries the fallback socket URL and short-lived
// vendor credentials for the primary channel.
func (c *BackendClient) StartVoiceSession(ctx context.Context, storyID string) (*SessionCredentials, *PipelineError) {
	body, _ := json.Marshal(map[string]string{"story_id": storyID})
	url := fmt.Sprintf("%s/api/stories/%s/voice-session/", c.baseURL, storyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewBackendError("failed to build session request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewBackendError("session start request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, NewBackendError(fmt.Sprintf("session start returned %s", resp.Status), nil).
			AddDetail("status", resp.StatusCode)
	}

	var creds SessionCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, NewBackendError("invalid session start response", err)
	}
	if creds.SocketURL == "" {
		return nil, NewBackendError("session start response missing socket URL", nil)
	}

	if exp, ok := VendorTokenExpiry(creds.VendorToken); ok {
		c.log.Debug().Time("expires", exp).Msg("vendor credentials issued")
		if time.Now().After(exp) {
			// Stale credentials only disable the primary channel; the
			// fallback socket still works.
			c.log.Warn().Msg("vendor credentials already expired")
			creds.VendorToken = ""
		}
	}
	return &creds, nil
}

// EndVoiceSession notifies the backend that the session is over.
// Failures are reported but must never block client teardown.
func (c *BackendClient) EndVoiceSession(ctx context.Context, storyID string) *PipelineError {
	url := fmt.Sprintf("%s/api/stories/%s/voice-session/end/", c.baseURL, storyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return NewBackendError("failed to build session end request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewBackendError("session end request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return NewBackendError(fmt.Sprintf("session end returned %s", resp.Status), nil)
	}
	return nil
}

// VendorTokenExpiry peeks at the exp claim of a backend-issued vendor
// token without verifying the signature (the vendor verifies; the
// client only needs to know whether the credentials are still fresh).
func VendorTokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		if v, err := exp.Int64(); err == nil {
			return time.Unix(v, 0), true
		}
	}
	return time.Time{}, false
}
