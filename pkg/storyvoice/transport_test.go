package storyvoice

import (
	"strings"
	"testing"
)

func TestCloseCodeMessages(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{4001, "log in again"},
		{4003, "permission"},
		{4004, "not found"},
		{1006, "unexpectedly"},
		{4999, "unexpectedly"},
	}
	for _, tt := range tests {
		got := CloseCodeMessage(tt.code)
		if !strings.Contains(strings.ToLower(got), tt.want) {
			t.Errorf("CloseCodeMessage(%d) = %q, want it to mention %q", tt.code, got, tt.want)
		}
	}
}

func TestTransportClosedCarriesCloseCode(t *testing.T) {
	perr := NewTransportClosed(4004)
	if perr.Code != ErrCodeTransportClosed {
		t.Errorf("code = %s, want %s", perr.Code, ErrCodeTransportClosed)
	}
	if got, ok := perr.Details["close_code"]; !ok || got != 4004 {
		t.Errorf("close_code detail = %v, want 4004", got)
	}
	if IsRecoverable(perr) {
		t.Error("abnormal closure must not be treated as recoverable")
	}
}

func TestAudioAuthority(t *testing.T) {
	if audioAuthority(true) != rolePrimary {
		t.Error("primary channel should be authoritative when open")
	}
	if audioAuthority(false) != roleFallback {
		t.Error("fallback should be authoritative when primary is absent")
	}
}

func TestErrorTaxonomyRecoverability(t *testing.T) {
	recoverable := []*PipelineError{
		NewEmptyCapture(),
		NewEmptyAudio(),
		NewUnsupportedFormat(nil),
		NewDeviceUnavailable(nil),
		NewProtocolError("boom"),
		NewTransportUnavailable(nil),
	}
	for _, perr := range recoverable {
		if !IsRecoverable(perr) {
			t.Errorf("%s should be recoverable", perr.Code)
		}
		if UserMessage(perr) == "" {
			t.Errorf("%s has no user message", perr.Code)
		}
	}
	if IsRecoverable(NewTransportClosed(4001)) {
		t.Error("transport closure should require an explicit restart")
	}
}
