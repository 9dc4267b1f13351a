package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/calebgw/chirp/internal/ratelimit"
)

func TestAllow_Burst(t *testing.T) {
	p := ratelimit.New(ratelimit.Config{Burst: 2, Window: time.Hour})

	if !p.Allow("alice") {
		t.Fatal("first command denied")
	}
	if !p.Allow("alice") {
		t.Fatal("second command denied within burst")
	}
	if p.Allow("alice") {
		t.Error("third command allowed, want denial after burst")
	}
}

func TestAllow_PerSenderIsolation(t *testing.T) {
	p := ratelimit.New(ratelimit.Config{Burst: 1, Window: time.Hour})

	if !p.Allow("alice") {
		t.Fatal("alice denied")
	}
	if p.Allow("alice") {
		t.Error("alice allowed past burst")
	}
	if !p.Allow("bob") {
		t.Error("bob denied, limits must be per sender")
	}
}

func TestAllow_Refill(t *testing.T) {
	// Burst 1 with a 50ms window refills one token every 50ms.
	p := ratelimit.New(ratelimit.Config{Burst: 1, Window: 50 * time.Millisecond})

	if !p.Allow("alice") {
		t.Fatal("first command denied")
	}
	if p.Allow("alice") {
		t.Fatal("second command allowed immediately")
	}
	time.Sleep(80 * time.Millisecond)
	if !p.Allow("alice") {
		t.Error("command denied after refill window")
	}
}

func TestCleanup(t *testing.T) {
	p := ratelimit.New(ratelimit.Config{Burst: 1, Window: time.Hour})
	p.Allow("alice")
	p.Allow("bob")
	if got := p.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}

	time.Sleep(20 * time.Millisecond)
	if removed := p.Cleanup(10 * time.Millisecond); removed != 2 {
		t.Errorf("Cleanup removed %d, want 2", removed)
	}
	if got := p.Size(); got != 0 {
		t.Errorf("Size after cleanup = %d, want 0", got)
	}
}

func TestJanitor(t *testing.T) {
	p := ratelimit.New(ratelimit.Config{Burst: 1, Window: time.Hour})
	p.Allow("alice")
	p.Allow("bob")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Janitor(ctx, 10*time.Millisecond, 5*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.Size(); got != 0 {
		t.Errorf("Size = %d after janitor sweeps, want 0", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Janitor did not stop on cancel")
	}
}
