// Package sched implements the router's admission machinery: weighted
// fair queueing over per-session sub-queues with starvation detection
// and adaptive weight boosting, fed by an AIMD global admission window.
package sched

import "sync"

// WindowProvider supplies the global per-session admission window.
type WindowProvider interface {
	Window() int
}

// ─── AIMD Controller ────────────────────────────────────────────────────────
// Additive-increase / multiplicative-decrease control of the global
// admission window: grow by one on success, halve on overload.

// AIMDConfig configures the admission controller.
type AIMDConfig struct {
	Initial  int     // starting window (default 4)
	Min      int     // floor (default 1)
	Max      int     // ceiling (default 64)
	Decrease float64 // multiplicative backoff factor (default 0.5)
}

// DefaultAIMDConfig returns production defaults.
func DefaultAIMDConfig() AIMDConfig {
	return AIMDConfig{Initial: 4, Min: 1, Max: 64, Decrease: 0.5}
}

// AIMD is a thread-safe additive-increase multiplicative-decrease window.
type AIMD struct {
	mu     sync.Mutex
	window float64
	cfg    AIMDConfig
}

// NewAIMD creates an AIMD controller.
func NewAIMD(cfg AIMDConfig) *AIMD {
	if cfg.Initial <= 0 {
		cfg = DefaultAIMDConfig()
	}
	return &AIMD{window: float64(cfg.Initial), cfg: cfg}
}

// Window returns the current admission window.
func (a *AIMD) Window() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.window)
}

// OnSuccess additively grows the window.
func (a *AIMD) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window++
	if a.window > float64(a.cfg.Max) {
		a.window = float64(a.cfg.Max)
	}
}

// OnOverload multiplicatively shrinks the window.
func (a *AIMD) OnOverload() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window *= a.cfg.Decrease
	if a.window < float64(a.cfg.Min) {
		a.window = float64(a.cfg.Min)
	}
}

// FixedWindow is a WindowProvider pinned to a constant (tests use this).
type FixedWindow int

// Window implements WindowProvider.
func (w FixedWindow) Window() int { return int(w) }
