package storyvoice

import (
	"sync"
	"testing"
)

func TestConversationLogPreservesOrder(t *testing.T) {
	log := NewConversationLog()
	log.Append(EventSystem, "Connected to story session", "")
	log.Append(EventNarration, "Once upon a time", "")
	log.Append(EventUserQuestion, "who is the hero?", "")
	log.Append(EventNarration, "there lived a fox", "")
	log.Append(EventAIResponse, "The hero is the fox.", "")

	events := log.Events()
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	wantKinds := []EventKind{EventSystem, EventNarration, EventUserQuestion, EventNarration, EventAIResponse}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Errorf("event %d kind = %s, want %s", i, events[i].Kind, want)
		}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("event %d predates event %d", i, i-1)
		}
	}
}

func TestConversationLogEventsReturnsCopy(t *testing.T) {
	log := NewConversationLog()
	log.Append(EventNarration, "chapter one", "")

	events := log.Events()
	events[0].Content = "tampered"

	if got := log.Events()[0].Content; got != "chapter one" {
		t.Fatalf("caller mutation leaked into the log: %q", got)
	}
}

func TestConversationLogClear(t *testing.T) {
	log := NewConversationLog()
	log.Append(EventNarration, "a", "")
	log.Append(EventUserQuestion, "b", "")
	log.Clear()
	if log.Len() != 0 {
		t.Fatalf("Len = %d after Clear, want 0", log.Len())
	}
	log.Append(EventSystem, "fresh", "")
	if got := log.Events(); len(got) != 1 || got[0].Content != "fresh" {
		t.Fatalf("log unusable after Clear: %+v", got)
	}
}

func TestConversationLogConcurrentAppend(t *testing.T) {
	log := NewConversationLog()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Append(EventNarration, "fragment", "")
			}
		}()
	}
	wg.Wait()
	if log.Len() != 400 {
		t.Fatalf("Len = %d, want 400", log.Len())
	}
}
