package sched

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func newTestScheduler(t *testing.T, window int) *FairScheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Window = FixedWindow(window)
	return New(cfg)
}

// mutableClock is a settable test clock.
type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *mutableClock {
	return &mutableClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func waitQueueDepth(t *testing.T, s *FairScheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().QueueDepth == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (now %d)", want, s.Snapshot().QueueDepth)
}

// ─── AIMD ───────────────────────────────────────────────────────────────────

func TestAIMDWindow(t *testing.T) {
	a := NewAIMD(AIMDConfig{Initial: 4, Min: 1, Max: 8, Decrease: 0.5})
	if a.Window() != 4 {
		t.Fatalf("initial window = %d, want 4", a.Window())
	}
	for i := 0; i < 10; i++ {
		a.OnSuccess()
	}
	if a.Window() != 8 {
		t.Errorf("window after growth = %d, want capped at 8", a.Window())
	}
	a.OnOverload()
	if a.Window() != 4 {
		t.Errorf("window after overload = %d, want 4", a.Window())
	}
	for i := 0; i < 10; i++ {
		a.OnOverload()
	}
	if a.Window() != 1 {
		t.Errorf("window floor = %d, want 1", a.Window())
	}
}

// ─── Basic Granting ─────────────────────────────────────────────────────────

func TestEnqueueGrantsWithinWindow(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if got := s.Snapshot().Active["a"]; got != 2 {
		t.Errorf("active = %d, want 2", got)
	}
}

func TestEnqueueBlocksBeyondWindow(t *testing.T) {
	s := newTestScheduler(t, 1)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Enqueue(ctx, "a") }()
	waitQueueDepth(t, s, 1)

	select {
	case <-done:
		t.Fatal("second enqueue granted despite window of 1")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release("a")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enqueue after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("entry never granted after release")
	}
}

func TestEnqueueCancellation(t *testing.T) {
	s := newTestScheduler(t, 1)
	if err := s.Enqueue(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Enqueue(ctx, "a") }()
	waitQueueDepth(t, s, 1)

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled enqueue never returned")
	}
	if got := s.Snapshot().QueueDepth; got != 0 {
		t.Errorf("queue depth = %d after cancel, want 0", got)
	}
}

// ─── Fairness ───────────────────────────────────────────────────────────────

// gatedWindow is a WindowProvider the test can flip between closed and open.
type gatedWindow struct {
	mu sync.Mutex
	n  int
}

func (g *gatedWindow) Window() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func (g *gatedWindow) set(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = n
}

func TestGrantRatioFollowsWeights(t *testing.T) {
	gate := &gatedWindow{}
	cfg := DefaultConfig()
	cfg.Window = gate
	cfg.StaticThreshold = time.Hour // keep starvation boosts out of this test
	s := New(cfg)
	s.SetWeight("heavy", 2.0)
	s.SetWeight("light", 1.0)

	const perSession = 60
	granted := make(chan string, 2*perSession)
	var wg sync.WaitGroup
	for i := 0; i < perSession; i++ {
		for _, sess := range []string{"heavy", "light"} {
			wg.Add(1)
			go func(sess string) {
				defer wg.Done()
				if err := s.Enqueue(context.Background(), sess); err != nil {
					t.Errorf("enqueue %s: %v", sess, err)
					return
				}
				granted <- sess
			}(sess)
		}
	}
	waitQueueDepth(t, s, 2*perSession)

	// Open the window and ration grants one dispatch at a time.
	gate.set(1000)
	heavy, light := 0, 0
	for i := 0; i < 90; i++ {
		if !s.Dispatch() {
			t.Fatalf("dispatch %d granted nothing", i)
		}
		switch <-granted {
		case "heavy":
			heavy++
		case "light":
			light++
		}
	}

	// WFQ: heavy advances 0.5 per grant, light 1.0 — 2:1 over any
	// contended stretch.
	if light == 0 {
		t.Fatal("light session starved entirely")
	}
	ratio := float64(heavy) / float64(light)
	if ratio < 1.8 || ratio > 2.2 {
		t.Errorf("grant ratio = %.2f (heavy=%d light=%d), want ≈2.0", ratio, heavy, light)
	}

	// Let the rest drain so goroutines exit.
	for s.Dispatch() {
	}
	wg.Wait()
}

// ─── Starvation ─────────────────────────────────────────────────────────────

func TestStarvationBoostApplied(t *testing.T) {
	clock := newClock()
	cfg := DefaultConfig()
	cfg.Window = FixedWindow(1)
	cfg.Now = clock.Now
	s := New(cfg)
	s.SetWeight("victim", 0.1)

	// Occupy the victim's slot so its next entry queues.
	if err := s.Enqueue(context.Background(), "victim"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Enqueue(context.Background(), "victim") }()
	waitQueueDepth(t, s, 1)

	// Let the head-of-line wait exceed the static threshold, then free
	// the slot: selection should grant and boost the starved session.
	clock.Advance(200 * time.Millisecond)
	s.Release("victim")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("starved entry never granted")
	}
	if !s.IsBoosted("victim") {
		t.Error("starved session should hold a boost")
	}
}

func TestEffectiveWeightDecay(t *testing.T) {
	clock := newClock()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	s := New(cfg)
	s.SetWeight("sess", 1.0)

	s.mu.Lock()
	s.applyBoostLocked("sess")
	s.mu.Unlock()

	// Fresh boost: base × (1 + (2−1)×0.9⁰) = 2.0
	if got := s.EffectiveWeight("sess"); got < 1.99 || got > 2.01 {
		t.Errorf("effective weight = %.3f, want 2.0", got)
	}

	// One second later: base × (1 + 0.9¹) = 1.9
	clock.Advance(time.Second)
	if got := s.EffectiveWeight("sess"); got < 1.89 || got > 1.91 {
		t.Errorf("effective weight after 1s = %.3f, want 1.9", got)
	}

	// Past the boost window: back to base, boost removed.
	clock.Advance(100 * time.Second)
	if got := s.EffectiveWeight("sess"); got != 1.0 {
		t.Errorf("effective weight after expiry = %.3f, want 1.0", got)
	}
	if s.IsBoosted("sess") {
		t.Error("expired boost should be removed")
	}
}

func TestDynamicThresholdQuantile(t *testing.T) {
	s := newTestScheduler(t, 1)

	s.mu.Lock()
	if got := s.dynamicThresholdLocked(); got != 50*time.Millisecond {
		t.Errorf("empty threshold = %v, want static 50ms", got)
	}
	s.recentWaits = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	got := s.dynamicThresholdLocked()
	s.mu.Unlock()

	if got < 90*time.Millisecond {
		t.Errorf("95th-percentile threshold = %v, want >= 90ms", got)
	}
}

// ─── Configuration ──────────────────────────────────────────────────────────

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvStarvationQuantile, "0.90")
	t.Setenv(EnvBoostFactor, "3.0")
	t.Setenv(EnvBoostDecay, "0.8")

	cfg := DefaultConfig()
	if cfg.StarvationQuantile != 0.90 {
		t.Errorf("quantile = %v, want 0.90", cfg.StarvationQuantile)
	}
	if cfg.BoostFactor != 3.0 {
		t.Errorf("boost factor = %v, want 3.0", cfg.BoostFactor)
	}
	if cfg.BoostDecay != 0.8 {
		t.Errorf("boost decay = %v, want 0.8", cfg.BoostDecay)
	}
}
