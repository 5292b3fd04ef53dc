package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/telemetry"
)

// DefaultInterval is the fixed wait between status queries.
const DefaultInterval = 2000 * time.Millisecond

// StatusQuerier answers one status query. Implementations return
// *TransportError or *ProtocolError on failure.
type StatusQuerier interface {
	TaskStatus(ctx context.Context, taskID string) (api.StatusResponse, error)
}

// State is the lifecycle state of a Session.
type State int

const (
	StateActive State = iota
	StateCompleted
	StateErrored
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the session has stopped.
func (s State) Terminal() bool { return s != StateActive }

// Event is delivered to the observer on every observed status and on the
// final transition. Err is set for Errored and TimedOut.
//
// A task that ends FAILED arrives as StateCompleted, not StateErrored: the
// session finished normally and the failure belongs to the task. Such an
// event has Task.Status == StatusFailed and Err holding a *TaskFailedError
// with the backend detail. StateErrored is reserved for transport and
// protocol failures, where the task outcome is unknown.
type Event struct {
	SessionID string
	State     State
	Task      Task
	Attempt   int
	Err       error
}

// Observer receives session events on the session goroutine. It must not
// block for long: the next wait starts only after it returns.
type Observer func(Event)

// PollerConfig configures a Poller. Zero values select defaults; zero limits
// mean unbounded.
type PollerConfig struct {
	Interval    time.Duration
	MaxElapsed  time.Duration
	MaxAttempts int
	Clock       Clock
	Logger      log.FieldLogger
	Tracer      trace.Tracer
}

// Poller starts poll sessions against a backend.
type Poller struct {
	backend StatusQuerier
	cfg     PollerConfig
}

func NewPoller(backend StatusQuerier, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(telemetry.TracerName)
	}
	return &Poller{backend: backend, cfg: cfg}
}

// Interval returns the configured wait between queries.
func (p *Poller) Interval() time.Duration { return p.cfg.Interval }

// Start creates a session for t and runs it on a new goroutine. The
// session emits t as its first Active event. If t is already terminal the
// session completes without querying.
func (p *Poller) Start(ctx context.Context, t Task, onEvent Observer) *Session {
	s := p.newSession(ctx, t, onEvent)
	go s.run()
	return s
}

// Run is Start followed by Wait on the calling goroutine.
func (p *Poller) Run(ctx context.Context, t Task, onEvent Observer) (Task, error) {
	s := p.newSession(ctx, t, onEvent)
	s.run()
	return s.Wait()
}

func (p *Poller) newSession(ctx context.Context, t Task, onEvent Observer) *Session {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &Session{
		id:      id,
		backend: p.backend,
		cfg:     p.cfg,
		onEvent: onEvent,
		ctx:     ctx,
		cancel:  cancel,
		task:    t,
		state:   StateActive,
		done:    make(chan struct{}),
		logger:  p.cfg.Logger.WithFields(log.Fields{"session_id": id, "task_id": t.ID}),
	}
}

// Session tracks one task's status over time. It issues at most one query
// at a time and stops for good on the first terminal transition.
type Session struct {
	id      string
	backend StatusQuerier
	cfg     PollerConfig
	onEvent Observer
	logger  log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	// emitMu serializes observer calls against Cancel; stopped is set under
	// it so no observer call starts after Cancel returns.
	emitMu     sync.Mutex
	stopped    atomic.Bool
	inCallback atomic.Bool
	inFlight   atomic.Bool

	mu       sync.Mutex
	state    State
	task     Task
	err      error
	attempts int

	done chan struct{}
}

func (s *Session) ID() string { return s.id }

// TaskID returns the id of the tracked task.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.ID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Task returns the last observed task.
func (s *Session) Task() Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// Attempts returns the number of status queries issued so far.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session stops and returns the last observed task
// and the terminal error: nil for SUCCESS, *TaskFailedError for FAILED,
// ErrCancelled, ErrTimedOut, or the transport/protocol error.
func (s *Session) Wait() (Task, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task, s.err
}

// Cancel stops the session. No observer call starts after Cancel returns;
// a query already in flight is abandoned and its result discarded. Cancel
// is safe to call from the observer and more than once.
func (s *Session) Cancel() {
	s.stopped.Store(true)
	if !s.inCallback.Load() {
		// wait out an observer call that passed its check before stopped was set
		s.emitMu.Lock()
		s.emitMu.Unlock()
	}
	s.cancel()
}

func (s *Session) emit(ev Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.stopped.Load() || s.ctx.Err() != nil {
		return false
	}
	if s.onEvent != nil {
		s.inCallback.Store(true)
		defer s.inCallback.Store(false)
		s.onEvent(ev)
	}
	return true
}

func (s *Session) event(state State, t Task, err error) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Event{SessionID: s.id, State: state, Task: t, Attempt: s.attempts, Err: err}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	initial := s.Task()
	ctx, span := s.cfg.Tracer.Start(s.ctx, "docket.poll", trace.WithAttributes(
		attribute.String("task.id", initial.ID),
		attribute.String("session.id", s.id),
		attribute.Int64("poll.interval_ms", s.cfg.Interval.Milliseconds()),
	))
	defer span.End()
	span.AddEvent("session.active")
	s.logger.WithField("status", initial.Status).Debug("poll session started")

	if !s.emit(s.event(StateActive, initial, nil)) {
		s.finishCancelled(span)
		return
	}
	if initial.Status.Terminal() {
		s.finishCompleted(span, initial)
		return
	}

	start := s.cfg.Clock.Now()
	for {
		select {
		case <-s.ctx.Done():
			s.finishCancelled(span)
			return
		case <-s.cfg.Clock.After(s.cfg.Interval):
		}
		if s.ctx.Err() != nil {
			s.finishCancelled(span)
			return
		}

		if s.cfg.MaxElapsed > 0 && s.cfg.Clock.Now().Sub(start) > s.cfg.MaxElapsed {
			s.finishTimedOut(span, fmt.Errorf("%w after %s", ErrTimedOut, s.cfg.MaxElapsed))
			return
		}
		t, err := s.query(ctx)
		if s.ctx.Err() != nil {
			s.finishCancelled(span)
			return
		}
		if err != nil {
			s.finishErrored(span, err)
			return
		}

		s.mu.Lock()
		s.task = t
		s.mu.Unlock()

		if t.Status.Terminal() {
			s.finishCompleted(span, t)
			return
		}
		span.AddEvent("status.pending", trace.WithAttributes(attribute.Int("poll.attempt", s.Attempts())))
		s.logger.WithField("attempt", s.Attempts()).Debug("task still pending")
		if !s.emit(s.event(StateActive, t, nil)) {
			s.finishCancelled(span)
			return
		}
		if s.cfg.MaxAttempts > 0 && s.Attempts() >= s.cfg.MaxAttempts {
			s.finishTimedOut(span, fmt.Errorf("%w after %d attempts", ErrTimedOut, s.cfg.MaxAttempts))
			return
		}
	}
}

// query issues exactly one status request. The in-flight flag makes a
// second concurrent query on the same session an error rather than a race.
func (s *Session) query(ctx context.Context) (Task, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Task{}, &ProtocolError{Op: "status", Message: "query already in flight"}
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	id := s.task.ID
	s.mu.Unlock()

	ctx, span := s.cfg.Tracer.Start(ctx, "docket.status", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.Int("poll.attempt", attempt),
	))
	defer span.End()

	resp, err := s.backend.TaskStatus(ctx, id)
	if err != nil {
		err = asTaxonomy("status", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Task{}, err
	}
	t, err := FromStatusResponse(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Task{}, err
	}
	if t.ID != id {
		err := &ProtocolError{Op: "status", Message: fmt.Sprintf("response for task %q while polling %q", t.ID, id)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Task{}, err
	}
	span.SetAttributes(attribute.String("task.status", string(t.Status)))
	return t, nil
}

func (s *Session) setTerminal(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.state = state
	s.err = err
	return true
}

func (s *Session) finishCompleted(span trace.Span, t Task) {
	var err error
	if t.Status == StatusFailed {
		err = &TaskFailedError{TaskID: t.ID, Detail: t.Error}
	}
	// a Cancel racing the final query wins
	if s.stopped.Load() || s.ctx.Err() != nil {
		s.finishCancelled(span)
		return
	}
	if !s.setTerminal(StateCompleted, err) {
		return
	}
	span.SetAttributes(attribute.String("task.status", string(t.Status)))
	if err != nil {
		span.AddEvent("task.failed")
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("task.completed")
		span.SetStatus(codes.Ok, "")
	}
	s.logger.WithFields(log.Fields{"status": t.Status, "attempts": s.Attempts()}).Info("poll session completed")
	s.emit(s.event(StateCompleted, t, err))
}

func (s *Session) finishErrored(span trace.Span, err error) {
	if !s.setTerminal(StateErrored, err) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("session.errored")
	s.logger.WithError(err).Warn("poll session errored")
	s.emit(s.event(StateErrored, s.Task(), err))
}

func (s *Session) finishTimedOut(span trace.Span, err error) {
	if !s.setTerminal(StateTimedOut, err) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("session.timed_out")
	s.logger.WithError(err).Warn("poll session timed out")
	s.emit(s.event(StateTimedOut, s.Task(), err))
}

func (s *Session) finishCancelled(span trace.Span) {
	err := ErrCancelled
	if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
	if !s.setTerminal(StateCancelled, err) {
		return
	}
	span.AddEvent("session.cancelled")
	span.SetStatus(codes.Error, err.Error())
	s.logger.Info("poll session cancelled")
}
