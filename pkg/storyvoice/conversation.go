package storyvoice

import (
	"sync"
	"time"
)

// ConversationLog is an append-only, time-ordered record of interaction
// events. It is a display and debugging artifact: it preserves exact
// insertion order, including interleavings between inbound and outbound
// events, and only shrinks when Clear is called.
type ConversationLog struct {
	mu     sync.Mutex
	events []ConversationEvent
}

// NewConversationLog returns an empty log.
func NewConversationLog() *ConversationLog {
	return &ConversationLog{}
}

// Append adds a timestamped event to the log.
func (l *ConversationLog) Append(kind EventKind, content, audioRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ConversationEvent{
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
		AudioRef:  audioRef,
	})
}

// Events returns a copy of the log, oldest first.
func (l *ConversationLog) Events() []ConversationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConversationEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len reports the number of events.
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Clear empties the log.
func (l *ConversationLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}
