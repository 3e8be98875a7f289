package debounce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder collects fire calls.
type recorder struct {
	mu    sync.Mutex
	calls []fireCall
}

type fireCall struct {
	key   string
	route string
	at    time.Time
}

func (r *recorder) fire(_ context.Context, key, route string) error {
	r.mu.Lock()
	r.calls = append(r.calls, fireCall{key: key, route: route, at: time.Now()})
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []fireCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fireCall(nil), r.calls...)
}

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestScheduler_BurstFiresOnce(t *testing.T) {
	t.Parallel()

	const window = 60 * time.Millisecond
	rec := &recorder{}
	s := New(window, rec.fire)
	defer stopScheduler(t, s)

	var last time.Time
	for i := 0; i < 5; i++ {
		if err := s.Schedule("u1", "pn-1"); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		last = time.Now()
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(window * 4)

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("got %d fires, want 1", len(calls))
	}
	if elapsed := calls[0].at.Sub(last); elapsed < window {
		t.Errorf("fired %v after the last event, want at least %v", elapsed, window)
	}
	if calls[0].route != "pn-1" {
		t.Errorf("route = %q, want %q", calls[0].route, "pn-1")
	}
	if st := s.State("u1"); st != Idle {
		t.Errorf("State after fire = %v, want idle", st)
	}
}

func TestScheduler_SeparatedGroupsFireSeparately(t *testing.T) {
	t.Parallel()

	const window = 30 * time.Millisecond
	rec := &recorder{}
	s := New(window, rec.fire)
	defer stopScheduler(t, s)

	s.Schedule("u1", "")
	s.Schedule("u1", "")
	time.Sleep(window * 4)
	s.Schedule("u1", "")
	time.Sleep(window * 4)

	if n := len(rec.snapshot()); n != 2 {
		t.Fatalf("got %d fires, want 2", n)
	}
}

func TestScheduler_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(30*time.Millisecond, rec.fire)
	defer stopScheduler(t, s)

	s.Schedule("a", "r-a")
	s.Schedule("b", "r-b")
	time.Sleep(150 * time.Millisecond)

	got := map[string]string{}
	for _, c := range rec.snapshot() {
		got[c.key] = c.route
	}
	if len(got) != 2 || got["a"] != "r-a" || got["b"] != "r-b" {
		t.Errorf("fires = %v, want a→r-a and b→r-b", got)
	}
}

func TestScheduler_CancelSleepingTimer(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(50*time.Millisecond, rec.fire)
	defer stopScheduler(t, s)

	s.Schedule("u1", "")
	if st := s.State("u1"); st != Armed {
		t.Fatalf("State = %v, want armed", st)
	}
	if !s.Cancel("u1") {
		t.Fatal("Cancel returned false for a sleeping timer")
	}
	if s.Cancel("u1") {
		t.Error("second Cancel returned true")
	}

	time.Sleep(150 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("got %d fires after cancel, want 0", n)
	}
}

func TestScheduler_NoOverlappingCycles(t *testing.T) {
	t.Parallel()

	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		fires       atomic.Int32
		started     = make(chan struct{}, 4)
	)
	fire := func(ctx context.Context, key, route string) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		started <- struct{}{}
		time.Sleep(120 * time.Millisecond)
		inFlight.Add(-1)
		fires.Add(1)
		return nil
	}

	s := New(20*time.Millisecond, fire)
	defer stopScheduler(t, s)

	s.Schedule("u1", "")
	<-started

	if st := s.State("u1"); st != Firing {
		t.Errorf("State during callback = %v, want firing", st)
	}
	if s.Cancel("u1") {
		t.Error("Cancel interrupted a firing timer")
	}

	// re-arm while the first cycle is still running
	s.Schedule("u1", "")
	if st := s.State("u1"); st != Armed {
		t.Errorf("State after re-arm = %v, want armed", st)
	}

	time.Sleep(400 * time.Millisecond)

	if got := fires.Load(); got != 2 {
		t.Errorf("fires = %d, want 2", got)
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent cycles = %d, want 1", got)
	}
}

func TestScheduler_RouteReadAtFireTime(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(40*time.Millisecond, rec.fire)
	defer stopScheduler(t, s)

	s.Schedule("u1", "pn-old")
	s.Schedule("u1", "pn-new")
	s.Schedule("u1", "")
	time.Sleep(150 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("got %d fires, want 1", len(calls))
	}
	if calls[0].route != "pn-new" {
		t.Errorf("route = %q, want %q", calls[0].route, "pn-new")
	}
}

func TestScheduler_PanicIsContained(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fire := func(ctx context.Context, key, route string) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}
	s := New(20*time.Millisecond, fire)
	defer stopScheduler(t, s)

	s.Schedule("u1", "")
	time.Sleep(100 * time.Millisecond)
	s.Schedule("u1", "")
	time.Sleep(100 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestScheduler_ErrorIsLoggedNotFatal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := New(20*time.Millisecond, func(ctx context.Context, key, route string) error {
		calls.Add(1)
		return errors.New("storage unavailable")
	})
	defer stopScheduler(t, s)

	s.Schedule("u1", "")
	time.Sleep(100 * time.Millisecond)
	if st := s.State("u1"); st != Idle {
		t.Errorf("State after failed cycle = %v, want idle", st)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestScheduler_StopWaitsAndRejects(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	s := New(10*time.Millisecond, func(ctx context.Context, key, route string) error {
		if key != "busy" {
			return nil
		}
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	s.Schedule("busy", "")
	<-started
	s.Schedule("sleeping", "")

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Stop returned before the running cycle finished")
	}
	if err := s.Schedule("u1", ""); !errors.Is(err, ErrStopped) {
		t.Errorf("Schedule after Stop = %v, want ErrStopped", err)
	}
	if armed := s.Armed(); len(armed) != 0 {
		t.Errorf("Armed after Stop = %v, want none", armed)
	}
}

func TestScheduler_StopDeadline(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := New(5*time.Millisecond, func(ctx context.Context, key, route string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	s.Schedule("u1", "")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want deadline exceeded", err)
	}
}

func TestRouteCache(t *testing.T) {
	t.Parallel()

	rc := NewRouteCache()
	rc.Set("u1", "")
	if _, ok := rc.Get("u1"); ok {
		t.Error("empty route was cached")
	}
	rc.Set("u1", "pn-1")
	rc.Set("u1", "")
	if got, _ := rc.Get("u1"); got != "pn-1" {
		t.Errorf("Get = %q, want %q", got, "pn-1")
	}
	if rc.Len() != 1 {
		t.Errorf("Len = %d, want 1", rc.Len())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{Idle: "idle", Armed: "armed", Firing: "firing", State(9): "unknown"}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
