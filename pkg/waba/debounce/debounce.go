// Package debounce coalesces bursts of events per key into a single
// callback that fires once the key has been quiet for a fixed window.
//
// Each key owns at most one timer. A new event cancels the key's timer if
// it is still sleeping and arms a fresh one; a timer whose window already
// elapsed is never interrupted. Callbacks for the same key never overlap:
// a replacement timer that expires while the previous callback is still
// running waits for it to return.
package debounce

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrStopped is returned by Schedule after Stop was called.
var ErrStopped = errors.New("debounce: scheduler stopped")

// State describes where a key is in its debounce cycle.
type State int

const (
	// Idle means no timer is on record for the key.
	Idle State = iota
	// Armed means a timer is sleeping and can still be cancelled.
	Armed
	// Firing means the callback for the key is running.
	Firing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	default:
		return "unknown"
	}
}

// FireFunc runs one cycle for key. route is the last non-empty route seen
// for the key, or "" when none was ever recorded.
type FireFunc func(ctx context.Context, key, route string) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

type timer struct {
	t     *time.Timer
	state State
}

// lane serializes callbacks of one key. refs counts timers that are
// waiting on or holding it.
type lane struct {
	mu   sync.Mutex
	refs int
}

// Scheduler is a per-key debounce timer registry. The zero value is not
// usable; create one with New.
type Scheduler struct {
	window time.Duration
	fire   FireFunc
	routes *RouteCache
	logger *slog.Logger

	// ctx is handed to callbacks; cancelled when Stop gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*timer
	lanes   map[string]*lane
	stopped bool

	// wg counts armed and running timers.
	wg sync.WaitGroup
}

// New creates a scheduler that calls fire once a key has been quiet for
// window.
func New(window time.Duration, fire FireFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		window: window,
		fire:   fire,
		routes: NewRouteCache(),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*timer),
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the quiet period.
func (s *Scheduler) Window() time.Duration {
	return s.window
}

// Routes exposes the route cache.
func (s *Scheduler) Routes() *RouteCache {
	return s.routes
}

// Route returns the cached route for key.
func (s *Scheduler) Route(key string) (string, bool) {
	return s.routes.Get(key)
}

// Schedule records route (when non-empty) and (re)arms the key's timer so
// that it fires one window from now.
func (s *Scheduler) Schedule(key, route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	s.routes.Set(key, route)

	rearmed := s.cancelLocked(key)

	tm := &timer{state: Armed}
	s.wg.Add(1)
	tm.t = time.AfterFunc(s.window, func() { s.run(key, tm) })
	s.timers[key] = tm

	s.logger.Debug("debounce armed", "user", key, "window", s.window, "rearmed", rearmed)
	return nil
}

// Cancel stops the key's timer if it is still sleeping. It reports whether
// a timer was cancelled; a running callback is never interrupted.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) bool {
	tm, ok := s.timers[key]
	if !ok || tm.state != Armed {
		return false
	}
	if !tm.t.Stop() {
		// Window already elapsed; run owns the timer now.
		return false
	}
	delete(s.timers, key)
	s.wg.Done()
	return true
}

// State reports the key's current state.
func (s *Scheduler) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tm, ok := s.timers[key]; ok {
		return tm.state
	}
	if l, ok := s.lanes[key]; ok && l.refs > 0 {
		return Firing
	}
	return Idle
}

// Armed lists keys with a sleeping timer, sorted.
func (s *Scheduler) Armed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.timers))
	for k, tm := range s.timers {
		if tm.state == Armed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) run(key string, tm *timer) {
	defer s.wg.Done()

	s.mu.Lock()
	tm.state = Firing
	l := s.lanes[key]
	if l == nil {
		l = &lane{}
		s.lanes[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	route, _ := s.routes.Get(key)
	s.invoke(key, route)
	l.mu.Unlock()

	s.mu.Lock()
	// A newer timer may already be on record; only clear our own entry.
	if s.timers[key] == tm {
		delete(s.timers, key)
	}
	l.refs--
	if l.refs == 0 {
		delete(s.lanes, key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) invoke(key, route string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("debounce callback panicked", "user", key, "panic", r)
		}
	}()

	if err := s.fire(s.ctx, key, route); err != nil {
		s.logger.Error("debounce cycle failed", "user", key, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("debounce cycle done", "user", key, "duration_ms", time.Since(start).Milliseconds())
}

// Stop cancels every sleeping timer and refuses further schedules. It waits
// for running callbacks until ctx is done. When ctx expires first, the
// context passed to callbacks is cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancelled := 0
	for key := range s.timers {
		if s.cancelLocked(key) {
			cancelled++
		}
	}
	s.mu.Unlock()

	s.logger.Info("debounce scheduler stopping", "cancelled", cancelled)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
