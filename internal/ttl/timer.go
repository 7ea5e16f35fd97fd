package ttl

import (
	"context"
	"sync"
	"time"
)

// TimerScheduler keeps triggers in process memory. Triggers die with the process; restarts
// rely on Watcher.Recover.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	fire    func(msgID string)
	pending []string // fired before Run attached a callback
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

func (s *TimerScheduler) Schedule(_ context.Context, msgID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[msgID]; ok {
		t.Stop()
	}
	s.timers[msgID] = time.AfterFunc(time.Until(at), func() { s.dispatch(msgID) })
	return nil
}

func (s *TimerScheduler) dispatch(msgID string) {
	s.mu.Lock()
	delete(s.timers, msgID)
	fire := s.fire
	if fire == nil {
		s.pending = append(s.pending, msgID)
	}
	s.mu.Unlock()
	if fire != nil {
		fire(msgID)
	}
}

// Run attaches fire and blocks until ctx is done; outstanding timers are then stopped.
func (s *TimerScheduler) Run(ctx context.Context, fire func(msgID string)) error {
	s.mu.Lock()
	s.fire = fire
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, id := range pending {
		fire(id)
	}

	<-ctx.Done()

	s.mu.Lock()
	s.fire = nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of armed timers.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
