package copilot

import (
	"context"
	"errors"
	"sync"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
)

// ErrLaneFull is returned when a user's inbound backlog is at capacity.
var ErrLaneFull = errors.New("inbound lane full")

// ErrClosed is returned by Submit after Stop.
var ErrClosed = errors.New("assistant stopped")

// laneSet runs one FIFO worker per active user. Messages of the same user
// are handled strictly in arrival order; different users proceed in
// parallel. A worker exits as soon as its queue is empty.
type laneSet struct {
	mu     sync.Mutex
	lanes  map[string]*inboundLane
	limit  int
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	handle func(ctx context.Context, msg *channels.IncomingMessage)
}

type inboundLane struct {
	queue []*channels.IncomingMessage
}

func newLaneSet(ctx context.Context, limit int, handle func(context.Context, *channels.IncomingMessage)) *laneSet {
	return &laneSet{
		lanes:  make(map[string]*inboundLane),
		limit:  limit,
		ctx:    ctx,
		handle: handle,
	}
}

func (ls *laneSet) submit(msg *channels.IncomingMessage) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return ErrClosed
	}
	l, ok := ls.lanes[msg.From]
	if !ok {
		l = &inboundLane{}
		ls.lanes[msg.From] = l
		ls.wg.Add(1)
		defer func() { go ls.drain(msg.From, l) }()
	}
	if ls.limit > 0 && len(l.queue) >= ls.limit {
		return ErrLaneFull
	}
	l.queue = append(l.queue, msg)
	return nil
}

func (ls *laneSet) drain(key string, l *inboundLane) {
	defer ls.wg.Done()
	for {
		ls.mu.Lock()
		if len(l.queue) == 0 {
			delete(ls.lanes, key)
			ls.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		ls.mu.Unlock()

		ls.handle(ls.ctx, msg)
	}
}

func (ls *laneSet) isClosed() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.closed
}

// active returns the number of users with queued or running work.
func (ls *laneSet) active() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.lanes)
}

// close rejects further submissions and waits for queued work to finish
// or ctx to end.
func (ls *laneSet) close(ctx context.Context) error {
	ls.mu.Lock()
	ls.closed = true
	ls.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ls.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
