package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("lifecycle machine already started")
	// ErrTerminated is returned when an event is dispatched after the machine reached its final state.
	ErrTerminated = errors.New("lifecycle machine has terminated")
	// ErrInvalidTransition reports an event the current state does not accept.
	ErrInvalidTransition = errors.New("event not accepted in current state")
)

const (
	defaultEventBuffer    = 16
	stateWaitPollInterval = 2 * time.Millisecond
)

// Actions are the connection side effects the machine drives on transitions.
// All methods are invoked from the machine's own goroutine; initiating
// methods must not block on machine events (dispatch from another goroutine).
type Actions interface {
	// Connect initiates the connection. The implementation reports success
	// by dispatching EventConnected.
	Connect(ctx context.Context) error

	// AttachStreams wires the inbound and outbound streams. Called once on
	// the CONNECTING to READY transition.
	AttachStreams(ctx context.Context) error

	// DispatchJob hands one accepted payload to the handler machinery. The
	// hand-off must defer actual handler invocation to another scheduling
	// turn; completion is reported back via EventComplete.
	DispatchJob(ctx context.Context, payload any)

	// PauseConnection physically pauses inbound delivery. Called on entry
	// to PAUSED, which only happens once any in-flight job has completed.
	PauseConnection(ctx context.Context) error

	// ResumeConnection physically resumes inbound delivery. Called before
	// the PAUSED to READY transition lands.
	ResumeConnection(ctx context.Context) error

	// BeginClose issues connection teardown. The implementation reports
	// completion by dispatching EventClosed.
	BeginClose(ctx context.Context) error

	// Finalize is called once on entry to FINAL.
	Finalize(ctx context.Context)
}

// Machine owns an endpoint's current state and processes events strictly in
// dispatch order on a single goroutine.
type Machine struct {
	actions Actions
	log     *util.LogEntry

	events  chan Event
	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
	exited  chan struct{}

	rejectFunc func(State, Event)
}

// Option configures a Machine.
type Option func(*Machine)

// WithEventBuffer sets the dispatch queue depth.
func WithEventBuffer(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.events = make(chan Event, n)
		}
	}
}

// WithRejectFunc registers a callback invoked for every event the current
// state does not accept, after the event has been dropped.
func WithRejectFunc(f func(State, Event)) Option {
	return func(m *Machine) {
		m.rejectFunc = f
	}
}

// New creates a machine in INITIALIZING. Nothing moves until Start.
func New(ctx context.Context, actions Actions, opts ...Option) *Machine {
	m := &Machine{
		actions: actions,
		log:     util.Log(ctx).WithField("component", "lifecycle"),
		events:  make(chan Event, defaultEventBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	m.state.Store(int32(StateInitializing))

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state. Safe for concurrent use.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Done is closed when the machine reaches FINAL.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Start moves INITIALIZING to CONNECTING, initiates the connection and runs
// the event loop until FINAL or context cancellation.
func (m *Machine) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	m.setState(StateInitializing, StateConnecting)
	if err := m.actions.Connect(ctx); err != nil {
		// Connection failures have no modeled recovery; the machine returns
		// to INITIALIZING and the caller decides what to do with the error.
		m.log.WithError(err).Error("could not initiate connection")
		m.setState(StateConnecting, StateInitializing)
		m.started.Store(false)
		return err
	}

	go m.run(ctx)
	return nil
}

// Dispatch enqueues one event for processing. Events are processed strictly
// in dispatch order.
func (m *Machine) Dispatch(ctx context.Context, ev Event) error {
	select {
	case <-m.done:
		return ErrTerminated
	case <-m.exited:
		return ErrTerminated
	default:
	}

	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return ErrTerminated
	case <-m.exited:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitState polls until the machine reaches the wanted state.
func (m *Machine) WaitState(ctx context.Context, want State) error {
	ticker := time.NewTicker(stateWaitPollInterval)
	defer ticker.Stop()

	for {
		if m.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.exited)

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("event loop exiting, context canceled")
			return
		case ev := <-m.events:
			if final := m.apply(ctx, ev); final {
				return
			}
		}
	}
}

// apply performs exactly one transition, together with its entry and exit
// actions. It runs on the loop goroutine only. The return value reports
// whether the machine reached FINAL.
func (m *Machine) apply(ctx context.Context, ev Event) bool {
	from := m.State()

	to, ok := Next(from, ev.Kind)
	if !ok {
		m.log.WithField("state", from.String()).
			WithField("event", ev.Kind.String()).
			Warn("event rejected in current state")
		if m.rejectFunc != nil {
			m.rejectFunc(from, ev)
		}
		return false
	}

	// Resuming out of PAUSED restarts the physical socket before the state
	// lands back in READY. Resuming out of PAUSING merely cancels the pause
	// intent and never touches the socket.
	if from == StatePaused && ev.Kind == EventResume {
		if err := m.actions.ResumeConnection(ctx); err != nil {
			m.log.WithError(err).Error("could not resume connection")
		}
	}

	// Entry actions run before the new state is published so an observer
	// that sees the state also sees its entry action done. The loop applies
	// any event an action enqueues only after this apply returns, so the
	// ordering guarantee holds either way.
	switch {
	case from == StateConnecting && to == StateReady:
		if err := m.actions.AttachStreams(ctx); err != nil {
			m.log.WithError(err).Error("could not attach streams")
		}

	case to == StateWorking && ev.Kind == EventReceive:
		m.actions.DispatchJob(ctx, ev.Payload)

	case to == StatePaused:
		// Entered from READY directly or from PAUSING once the in-flight
		// job completed. Either way the socket pauses only now.
		if err := m.actions.PauseConnection(ctx); err != nil {
			m.log.WithError(err).Error("could not pause connection")
		}

	case to == StateShutdown:
		if err := m.actions.BeginClose(ctx); err != nil {
			m.log.WithError(err).Error("could not begin connection close")
		}
	}

	m.setState(from, to)

	if to == StateFinal {
		m.actions.Finalize(ctx)
		close(m.done)
		return true
	}

	return false
}

func (m *Machine) setState(from, to State) {
	m.state.Store(int32(to))
	m.log.WithField("from", from.String()).
		WithField("to", to.String()).
		Debug("state transition")
}
