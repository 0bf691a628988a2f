package storyvoice

import (
	"fmt"
	"strings"
	"time"
)

// Error codes for the voice pipeline taxonomy.
const (
	ErrCodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	ErrCodeEmptyCapture      = "EMPTY_CAPTURE"
	ErrCodeEmptyAudio        = "EMPTY_AUDIO"
	ErrCodeUnsupportedFormat = "UNSUPPORTED_AUDIO_FORMAT"
	ErrCodeTransportUnavail  = "TRANSPORT_UNAVAILABLE"
	ErrCodeTransportClosed   = "TRANSPORT_CLOSED"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeBackend           = "BACKEND_ERROR"
	ErrCodeConfigInvalid     = "CONFIG_INVALID"
	ErrCodeSessionState      = "SESSION_STATE"
)

// PipelineError is the error type surfaced by the pipeline. Code is one
// of the ErrCode constants; Details carries optional context such as a
// socket close code.
type PipelineError struct {
	Code      string
	Message   string
	Timestamp time.Time
	Details   map[string]any
	err       error
}

func (e *PipelineError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s (", e.Code, e.Message)
	first := true
	for k, v := range e.Details {
		if !first {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, v)
		first = false
	}
	sb.WriteString(")")
	return sb.String()
}

func (e *PipelineError) Unwrap() error { return e.err }

// AddDetail attaches context to the error and returns it for chaining.
func (e *PipelineError) AddDetail(key string, value any) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newPipelineError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		err:       cause,
	}
}

func NewDeviceUnavailable(cause error) *PipelineError {
	return newPipelineError(ErrCodeDeviceUnavailable, "microphone unavailable or permission denied", cause)
}

func NewEmptyCapture() *PipelineError {
	return newPipelineError(ErrCodeEmptyCapture, "no audio was captured", nil)
}

func NewEmptyAudio() *PipelineError {
	return newPipelineError(ErrCodeEmptyAudio, "audio input is empty", nil)
}

func NewUnsupportedFormat(cause error) *PipelineError {
	return newPipelineError(ErrCodeUnsupportedFormat, "could not decode audio data", cause)
}

func NewTransportUnavailable(cause error) *PipelineError {
	return newPipelineError(ErrCodeTransportUnavail, "primary channel unavailable", cause)
}

func NewTransportClosed(closeCode int) *PipelineError {
	e := newPipelineError(ErrCodeTransportClosed, CloseCodeMessage(closeCode), nil)
	return e.AddDetail("close_code", closeCode)
}

func NewProtocolError(message string) *PipelineError {
	return newPipelineError(ErrCodeProtocol, message, nil)
}

func NewBackendError(message string, cause error) *PipelineError {
	return newPipelineError(ErrCodeBackend, message, cause)
}

func NewSessionStateError(message string) *PipelineError {
	return newPipelineError(ErrCodeSessionState, message, nil)
}

// Application close codes on the fallback channel. Anything else
// abnormal maps to a generic message.
const (
	CloseCodeAuthFailure      = 4001
	CloseCodePermissionDenied = 4003
	CloseCodeNotFound         = 4004
)

// CloseCodeMessage maps a fallback-channel close code to the message
// shown to the user.
func CloseCodeMessage(code int) string {
	switch code {
	case CloseCodeAuthFailure:
		return "Your session has expired. Please log in again."
	case CloseCodePermissionDenied:
		return "You don't have permission to access this story."
	case CloseCodeNotFound:
		return "Story not found."
	default:
		return "Connection closed unexpectedly. Please try again."
	}
}

// IsRecoverable reports whether the session can continue (or the user
// can simply retry) after this error. Transport closures are fatal to
// the session and require an explicit restart.
func IsRecoverable(err *PipelineError) bool {
	if err == nil {
		return false
	}
	switch err.Code {
	case ErrCodeEmptyCapture, ErrCodeEmptyAudio, ErrCodeUnsupportedFormat,
		ErrCodeDeviceUnavailable, ErrCodeProtocol, ErrCodeTransportUnavail:
		return true
	}
	return false
}

// UserMessage returns the prompt to surface for a pipeline error.
func UserMessage(err *PipelineError) string {
	if err == nil {
		return ""
	}
	switch err.Code {
	case ErrCodeDeviceUnavailable:
		return "Microphone not available. Check permissions and try again."
	case ErrCodeEmptyCapture, ErrCodeEmptyAudio:
		return "No audio was recorded. Please try again."
	case ErrCodeUnsupportedFormat:
		return "Could not process the recording. Please try again."
	case ErrCodeTransportClosed:
		return err.Message
	default:
		return err.Message
	}
}
