package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/throw-if-null/docket/internal/api"
)

// instantClock fires every wait immediately and advances its own time.
type instantClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newInstantClock() *instantClock {
	return &instantClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *instantClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// gateClock never fires on its own; waiting signals on waiting.
type gateClock struct {
	waiting chan time.Duration
	fire    chan time.Time
}

func newGateClock() *gateClock {
	return &gateClock{waiting: make(chan time.Duration, 16), fire: make(chan time.Time)}
}

func (c *gateClock) Now() time.Time { return time.Time{} }

func (c *gateClock) After(d time.Duration) <-chan time.Time {
	c.waiting <- d
	return c.fire
}

type reply struct {
	resp api.StatusResponse
	err  error
}

// fakeBackend answers status queries from a queue; the last reply repeats.
type fakeBackend struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	created int
	create  func(SubmissionInput) (api.SubmitResponse, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// when set, each status query blocks until released or ctx ends
	hold    chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) CreateTask(_ context.Context, in SubmissionInput) (api.SubmitResponse, error) {
	b.mu.Lock()
	b.created++
	n := b.created
	create := b.create
	b.mu.Unlock()
	if create != nil {
		return create(in)
	}
	return api.SubmitResponse{TaskID: "task-" + string(rune('0'+n)), Status: api.StatusPending}, nil
}

func (b *fakeBackend) TaskStatus(ctx context.Context, taskID string) (api.StatusResponse, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		m := b.maxInFlight.Load()
		if n <= m || b.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	b.mu.Lock()
	idx := b.calls
	b.calls++
	r := b.replies[min(idx, len(b.replies)-1)]
	hold, entered := b.hold, b.entered
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return api.StatusResponse{}, &TransportError{Op: "status", Err: ctx.Err()}
		}
	}
	if r.err != nil {
		return api.StatusResponse{}, r.err
	}
	if r.resp.TaskID == "" {
		r.resp.TaskID = taskID
	}
	return r.resp, nil
}

func (b *fakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) Created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

func pending() reply { return reply{resp: api.StatusResponse{Status: api.StatusPending}} }

func success(result string) reply {
	return reply{resp: api.StatusResponse{Status: api.StatusSuccess, Result: &result}}
}

func failed(detail string) reply {
	return reply{resp: api.StatusResponse{Status: api.StatusFailed, Error: &detail}}
}

// recorder collects observer events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) States() []State {
	var out []State
	for _, ev := range r.Events() {
		out = append(out, ev.State)
	}
	return out
}
