package storyvoice

import "testing"

func drain(q *playQueue) []float32 {
	out := make([]float32, 64)
	var got []float32
	for {
		n := q.pull(out)
		if n == 0 {
			return got
		}
		got = append(got, out[:n]...)
	}
}

func TestPlayQueuePreservesEnqueueOrder(t *testing.T) {
	q := newPlayQueue()
	a := q.reserve()
	b := q.reserve()
	c := q.reserve()

	// B finishes decoding before A; nothing may play until A lands.
	q.deliver(b, []float32{2})
	if got := drain(q); len(got) != 0 {
		t.Fatalf("played %v before the first fragment was ready", got)
	}

	q.deliver(a, []float32{1})
	q.deliver(c, []float32{3})

	got := drain(q)
	want := []float32{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("played %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestPlayQueueDrainedTracksInFlightFragments(t *testing.T) {
	q := newPlayQueue()
	if !q.drained() {
		t.Fatal("fresh queue should be drained")
	}

	seq := q.reserve()
	// Samples are empty but a decode is in flight: the speaking signal
	// must not drop between back-to-back fragments.
	if q.drained() {
		t.Fatal("queue reported drained while a fragment was in flight")
	}

	q.deliver(seq, []float32{1, 2})
	if q.drained() {
		t.Fatal("queue reported drained with samples pending")
	}

	drain(q)
	if !q.drained() {
		t.Fatal("queue should be drained after playback")
	}
}

func TestPlayQueueClearDropsLateDeliveries(t *testing.T) {
	q := newPlayQueue()
	stale := q.reserve()
	q.clear()

	// The decode completes after teardown; its samples must not leak
	// into a later utterance.
	q.deliver(stale, []float32{9, 9, 9})
	if got := drain(q); len(got) != 0 {
		t.Fatalf("stale fragment played: %v", got)
	}
	if !q.drained() {
		t.Fatal("queue should be drained after clear")
	}

	fresh := q.reserve()
	q.deliver(fresh, []float32{1})
	if got := drain(q); len(got) != 1 || got[0] != 1 {
		t.Fatalf("fresh fragment mangled: %v", got)
	}
}

func TestPlayQueuePullZeroFills(t *testing.T) {
	q := newPlayQueue()
	seq := q.reserve()
	q.deliver(seq, []float32{5})

	out := []float32{7, 7, 7, 7}
	n := q.pull(out)
	if n != 1 {
		t.Fatalf("pull returned %d, want 1", n)
	}
	for i := 1; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("tail not zero-filled: %v", out)
		}
	}
}

func TestResampleLinear32Length(t *testing.T) {
	in := make([]float32, 2400) // 100ms at 24kHz
	out := resampleLinear32(in, 24000, 16000)
	if len(out) != 1600 {
		t.Errorf("resampled length = %d, want 1600", len(out))
	}
}
