package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler periodically refreshes every meter flagged for auto update
// through the same Fetch path a request takes, so scheduled and
// request-triggered polls share one rate limiter and one locking
// discipline. A request landing just after a scheduled refresh gets a
// cache hit.
type Scheduler struct {
	arbiter  *Arbiter
	interval time.Duration
	log      *zap.SugaredLogger

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

func NewScheduler(arbiter *Arbiter, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		arbiter:  arbiter,
		interval: interval,
		log:      log,
		inFlight: make(map[string]bool),
	}
}

// Run ticks until the context is cancelled, then waits for in-flight
// refreshes to finish. An interval of zero disables scheduling entirely.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick refreshes each auto-update meter in its own goroutine. A meter whose
// previous refresh is still blocked on a slow device is skipped rather than
// queued behind its own lock; it catches up on a later tick.
func (s *Scheduler) tick() {
	for _, def := range s.arbiter.Registry().All() {
		if !def.AutoUpdate {
			continue
		}
		if !s.begin(def.ID) {
			s.log.Debugw("refresh still running, skipping", "meter", def.ID)
			continue
		}
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer s.end(id)
			if _, err := s.arbiter.Fetch(id, time.Now().UTC()); err != nil {
				s.log.Warnw("scheduled refresh failed", "meter", id, "error", err)
			}
		}(def.ID)
	}
}

func (s *Scheduler) begin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Scheduler) end(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}
