package signal_test

import (
	"testing"
	"time"

	"github.com/acoustio/beamline/pkg/signal"
)

func frameN(n int) signal.Frame {
	return signal.Frame{Channels: 1, Length: 1, I32: []int32{int32(n)}}
}

func TestQueueDropsOldestAtCapacity(t *testing.T) {
	const capacity = 3
	q := signal.NewQueue(capacity)

	for i := range 10 {
		q.Put(frameN(i))
		if got := q.Len(); got > capacity {
			t.Fatalf("queue held %d frames, capacity is %d", got, capacity)
		}
	}

	// The survivors must be the capacity most recent frames, in insertion order.
	for want := 7; want <= 9; want++ {
		f, ok := q.Get(time.Second)
		if !ok {
			t.Fatalf("Get returned no frame, want %d", want)
		}
		if got := f.I32[0]; got != int32(want) {
			t.Errorf("frame order: got %d, want %d", got, want)
		}
	}
	if got := q.Lost(); got != 7 {
		t.Errorf("lost counter: got %d, want 7", got)
	}
}

func TestQueueUnboundedNeverDrops(t *testing.T) {
	q := signal.NewQueue(0)
	for i := range 1000 {
		q.Put(frameN(i))
	}
	if got := q.Len(); got != 1000 {
		t.Fatalf("unbounded queue length: got %d, want 1000", got)
	}
	if got := q.Lost(); got != 0 {
		t.Errorf("unbounded queue lost frames: %d", got)
	}
}

func TestQueueGetTimeout(t *testing.T) {
	q := signal.NewQueue(2)
	start := time.Now()
	_, ok := q.Get(50 * time.Millisecond)
	if ok {
		t.Fatal("Get on empty queue returned a frame")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Get returned after %v, before the timeout", elapsed)
	}
}

func TestQueueGetWakesOnPut(t *testing.T) {
	q := signal.NewQueue(2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(frameN(42))
	}()
	f, ok := q.Get(2 * time.Second)
	if !ok {
		t.Fatal("Get timed out despite a pending Put")
	}
	if f.I32[0] != 42 {
		t.Errorf("got frame %d, want 42", f.I32[0])
	}
}

func TestQueueCloseDrainsThenEnds(t *testing.T) {
	q := signal.NewQueue(0)
	q.Put(frameN(1))
	q.Put(frameN(2))
	q.Close()

	if _, ok := q.Get(time.Second); !ok {
		t.Fatal("closed queue dropped the queued frames")
	}
	if _, ok := q.Get(time.Second); !ok {
		t.Fatal("closed queue dropped the queued frames")
	}
	if _, ok := q.Get(time.Second); ok {
		t.Fatal("Get on a drained closed queue returned a frame")
	}

	// Puts after close are dropped silently.
	q.Put(frameN(3))
	if got := q.Len(); got != 0 {
		t.Errorf("Put after Close queued a frame, len=%d", got)
	}
}

func TestQueueCloseWakesBlockedConsumer(t *testing.T) {
	q := signal.NewQueue(2)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get(10 * time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Error("Get returned a frame from an empty closed queue")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the blocked consumer")
	}
}
