package source

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPacerHoldsCadence(t *testing.T) {
	p := newPacer(10 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("three 10ms steps elapsed in %v, too fast", elapsed)
	}
}

func TestPacerSkipsSleepWhenLagging(t *testing.T) {
	p := newPacer(5 * time.Millisecond)
	// Simulate a slow consumer that burned several frame periods.
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := p.wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	// All four deadlines are in the past: no sleeping, no lag pile-up.
	if elapsed := time.Since(start); elapsed > 4*time.Millisecond {
		t.Errorf("lagging pacer spent %v waiting, want immediate returns", elapsed)
	}
}

func TestPacerStopsOnCancel(t *testing.T) {
	p := newPacer(10 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("wait = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait held for %v after cancellation", elapsed)
	}
}
