package schc

import (
	"sync"
	"time"
)

// Scheduler arms at most one timer per connection. Re-arming replaces
// the pending entry. A callback may already be in flight when Cancel
// or a re-arm races the clock; callbacks therefore carry a connection
// generation and no-op once it moves.
type Scheduler interface {
	Schedule(conn *Connection, delay time.Duration, fn func())
	Cancel(conn *Connection)
}

// wallScheduler drives connection timers off the wall clock.
type wallScheduler struct {
	mu     sync.Mutex
	timers map[*Connection]*time.Timer
}

func newWallScheduler() *wallScheduler {
	return &wallScheduler{timers: make(map[*Connection]*time.Timer)}
}

func (s *wallScheduler) Schedule(conn *Connection, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[conn]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[conn] == t {
			delete(s.timers, conn)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[conn] = t
}

func (s *wallScheduler) Cancel(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[conn]; ok {
		t.Stop()
		delete(s.timers, conn)
	}
}
