package breaker

import (
	"sync"
	"time"
)

// Breaker is a circuit breaker keyed by bus topic.
// - Threshold failures inside Window open the key for OpenFor.
// - After OpenFor one caller is let through; its outcome closes or re-opens the key.
// - A success clears the key.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	state map[string]*keyState
}

type keyState struct {
	failCount int
	firstFail time.Time
	openUntil time.Time
	probing   bool
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
	Now       func() time.Time // tests only
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       opt.Now,
		state:     make(map[string]*keyState),
	}
}

// Allow reports whether a call for key may proceed. A nil breaker allows everything.
func (b *Breaker) Allow(key string) bool {
	if b == nil {
		return true
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok || s.openUntil.IsZero() {
		return true
	}
	if now.Before(s.openUntil) {
		return false
	}
	// half-open: a single probe
	if s.probing {
		return false
	}
	s.probing = true
	return true
}

func (b *Breaker) Success(key string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
}

// Failure records a failed call and reports whether it opened the key.
func (b *Breaker) Failure(key string) (opened bool) {
	if b == nil {
		return false
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		s = &keyState{}
		b.state[key] = s
	}

	if s.probing {
		s.probing = false
		s.failCount = b.threshold
		s.firstFail = now
		s.openUntil = now.Add(b.openFor)
		return true
	}

	if s.failCount == 0 || now.Sub(s.firstFail) > b.window {
		s.failCount = 0
		s.firstFail = now
		s.openUntil = time.Time{}
	}

	s.failCount++
	if s.failCount >= b.threshold && s.openUntil.IsZero() {
		s.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}
