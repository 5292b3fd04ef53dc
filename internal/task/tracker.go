package task

import (
	"context"
	"sync"
)

// Tracker runs the submit-then-poll flow and keeps at most one session
// active: starting a new submission cancels the previous session first so
// its events can no longer interleave with the new task's.
type Tracker struct {
	submitter *Submitter
	poller    *Poller

	mu     sync.Mutex
	active *Session
}

func NewTracker(submitter *Submitter, poller *Poller) *Tracker {
	return &Tracker{submitter: submitter, poller: poller}
}

// Start cancels the active session, submits in and, on success, starts
// polling the new task. Submission errors are returned synchronously and no
// session is created.
func (t *Tracker) Start(ctx context.Context, in SubmissionInput, onEvent Observer) (*Session, error) {
	t.Cancel()

	created, err := t.submitter.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	return t.Watch(ctx, created, onEvent), nil
}

// Watch starts polling an already submitted task, replacing the active
// session. The new session is installed before its goroutine starts, so a
// Cancel from any goroutine, the observer included, always reaches it.
func (t *Tracker) Watch(ctx context.Context, existing Task, onEvent Observer) *Session {
	s := t.poller.newSession(ctx, existing, onEvent)

	t.mu.Lock()
	prev := t.active
	t.active = s
	t.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	go s.run()
	return s
}

// Active returns the current session, or nil when none is running.
func (t *Tracker) Active() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	select {
	case <-t.active.Done():
		return nil
	default:
		return t.active
	}
}

// Cancel stops the active session, if any.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	s := t.active
	t.active = nil
	t.mu.Unlock()

	if s != nil {
		s.Cancel()
	}
}
