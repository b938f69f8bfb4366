// Package coyote provides a single-endpoint abstraction over a
// message-queue socket. An endpoint owns exactly one connection, decodes
// JSON payloads from the wire into jobs, hands each job to a registered
// handler, and coordinates completion according to its archetype's
// capability set: reply downstream, acknowledge or discard on the transport,
// or signal-only. A lifecycle state machine guarantees at most one job is in
// flight and that pause or shutdown never interrupts a running job.
package coyote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/CalebMorris/coyote/completion"
	"github.com/CalebMorris/coyote/dispatch"
	"github.com/CalebMorris/coyote/lifecycle"
	"github.com/CalebMorris/coyote/mode"
	"github.com/CalebMorris/coyote/stream"
	"github.com/CalebMorris/coyote/transport"
	"github.com/CalebMorris/coyote/transport/cloudq"
	"github.com/CalebMorris/coyote/transport/redisq"
)

var (
	// ErrInvalidURI reports an unparseable or schemeless transport URI.
	ErrInvalidURI = errors.New("invalid transport URI")
	// ErrInvalidArchetype reports an archetype outside the declared set.
	ErrInvalidArchetype = errors.New("invalid endpoint archetype")
	// ErrQueueNameRequired reports an empty queue name.
	ErrQueueNameRequired = errors.New("queue name is required")
	// ErrInvalidOption reports an out-of-range option value.
	ErrInvalidOption = errors.New("invalid endpoint option")
	// ErrNoHandler reports a job arriving with no handler registered and no
	// room on the Jobs signal channel.
	ErrNoHandler = errors.New("no handler registered for job")
)

// Handler processes one decoded payload. A nil error marks the job
// successful and the returned value becomes the response; a non-nil error
// marks it failed. Blocking in the handler is fine: the endpoint waits for
// the result without accepting another job.
type Handler func(ctx context.Context, payload any) (any, error)

// Endpoint binds one queue over one connection with one immutable capability
// set.
type Endpoint struct {
	uri       string
	queueName string
	mode      mode.Mode

	topic        string
	routing      string
	prefetch     int
	persistent   bool
	expiration   time.Duration
	signalBuffer int

	transport   transport.Transport
	machine     *lifecycle.Machine
	writer      *stream.Writer
	coordinator *completion.Coordinator
	pool        *dispatch.Pool
	signals     *Signals
	metrics     *Metrics

	handler   atomic.Pointer[Handler]
	closeOnce sync.Once

	log *util.LogEntry
}

// NewEndpoint builds an endpoint for the given transport URI, archetype and
// queue name. Configuration problems fail here, before anything moves; the
// connection itself is only initiated by Run or Start.
func NewEndpoint(ctx context.Context, uri, archetype, queueName string, opts ...Option) (*Endpoint, error) {
	e := &Endpoint{
		uri:       uri,
		queueName: queueName,
		mode:      mode.Resolve(archetype),
		prefetch:  1,
		log:       util.Log(ctx),
	}

	for _, opt := range opts {
		opt(ctx, e)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if strings.TrimSpace(uri) == "" || parsed.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	if !mode.Known(archetype) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArchetype, archetype)
	}
	if strings.TrimSpace(queueName) == "" {
		return nil, ErrQueueNameRequired
	}
	if e.prefetch < 0 {
		return nil, fmt.Errorf("%w: prefetch must not be negative", ErrInvalidOption)
	}
	if e.expiration < 0 {
		return nil, fmt.Errorf("%w: expiration must not be negative", ErrInvalidOption)
	}

	e.log = e.log.WithField("queue", queueName).WithField("mode", e.mode.String())

	if e.transport == nil {
		e.transport = defaultTransport(ctx, parsed, uri)
	}

	e.pool, err = dispatch.NewPool(ctx)
	if err != nil {
		return nil, err
	}

	e.signals = newSignals(ctx, e.signalBuffer)
	e.metrics = newMetrics()
	e.writer = stream.NewWriter(e.transport)

	e.coordinator = completion.NewCoordinator(ctx, e.mode, e.writer, e.transport,
		completion.WithFailureFunc(e.onJobFailure),
		completion.WithCompleteFunc(e.onJobComplete),
	)

	e.machine = lifecycle.New(ctx, e,
		lifecycle.WithRejectFunc(e.onRejectedEvent),
	)

	return e, nil
}

// defaultTransport picks a transport implementation from the URI scheme.
func defaultTransport(ctx context.Context, parsed *url.URL, raw string) transport.Transport {
	switch strings.ToLower(parsed.Scheme) {
	case "redis", "rediss":
		return redisq.New(ctx, raw)
	default:
		return cloudq.New(ctx, raw)
	}
}

// Start initiates the connection and the event loop without blocking.
func (e *Endpoint) Start(ctx context.Context) error {
	return e.machine.Start(ctx)
}

// Run starts the endpoint and blocks until it reaches its final state or the
// context is canceled.
func (e *Endpoint) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.machine.Done():
		e.log.Debug("endpoint reached final state")
		return nil
	}
}

// Stop requests shutdown and waits for the final state. An in-flight job
// runs to completion first.
func (e *Endpoint) Stop(ctx context.Context) error {
	if err := e.Shutdown(ctx); err != nil && !errors.Is(err, lifecycle.ErrTerminated) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.machine.Done():
		return nil
	}
}

// Pause asks the endpoint to stop consuming. If a job is in flight the
// physical pause is deferred until it completes. Pausing an already paused
// endpoint has no effect.
func (e *Endpoint) Pause(ctx context.Context) error {
	return e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventPause})
}

// Resume reverses a pause. Resuming a ready endpoint has no observable
// effect; resuming one that was still draining a job just cancels the pause
// intent.
func (e *Endpoint) Resume(ctx context.Context) error {
	return e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventResume})
}

// Shutdown requests teardown without waiting. Connection close is deferred
// until any in-flight job completes.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	return e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventShutdown})
}

// SetHandler registers the job handler. Payloads arriving while no handler
// is registered go to the Jobs signal channel instead.
func (e *Endpoint) SetHandler(h Handler) {
	e.storeHandler(h)
}

func (e *Endpoint) storeHandler(h Handler) {
	if h == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&h)
}

// State returns the current lifecycle state.
func (e *Endpoint) State() lifecycle.State {
	return e.machine.State()
}

// WaitState blocks until the endpoint reaches the wanted state.
func (e *Endpoint) WaitState(ctx context.Context, want lifecycle.State) error {
	return e.machine.WaitState(ctx, want)
}

// Signals exposes the endpoint's typed notification channels.
func (e *Endpoint) Signals() *Signals {
	return e.signals
}

// Metrics exposes the endpoint's operational counters.
func (e *Endpoint) Metrics() *Metrics {
	return e.metrics
}

// Mode returns the endpoint's immutable capability set.
func (e *Endpoint) Mode() mode.Mode {
	return e.mode
}

// Connect implements lifecycle.Actions. The transport connect runs off the
// event loop; success comes back as a connected event.
func (e *Endpoint) Connect(ctx context.Context) error {
	opts := transport.ConnectOptions{
		Topic:      e.topic,
		Routing:    e.routing,
		Prefetch:   e.prefetch,
		Persistent: e.persistent,
		Expiration: e.expiration,
		Read:       e.mode.CanRead(),
		Write:      e.mode.CanWrite(),
		Ack:        e.mode.CanAck(),
	}

	go func() {
		if err := e.transport.Connect(ctx, e.queueName, opts); err != nil {
			// Transport failures have no modeled recovery path.
			e.log.WithError(err).Error("could not connect transport")
			e.signals.emitDebug("transport connect failed: " + err.Error())
			return
		}

		e.signals.emitDebug("transport connected")
		if err := e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventConnected}); err != nil {
			e.log.WithError(err).Warn("could not report connection")
		}
	}()

	return nil
}

// AttachStreams implements lifecycle.Actions: inbound chunks decode into
// receive events, raw chunks feed the data signal.
func (e *Endpoint) AttachStreams(ctx context.Context) error {
	if !e.mode.CanRead() {
		return nil
	}

	reader := stream.NewReader(ctx, e.transport,
		func(payload any) {
			if err := e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventReceive, Payload: payload}); err != nil {
				e.log.WithError(err).Warn("could not dispatch received payload")
			}
		},
		stream.WithRawFunc(e.signals.emitData),
		stream.WithDecodeFailureFunc(func() {
			e.metrics.DecodeFailures.Add(1)
		}),
	)
	reader.Attach(ctx)
	return nil
}

// DispatchJob implements lifecycle.Actions. The payload becomes a job and
// the handler invocation is deferred to the dispatch worker so the event
// loop never runs handler code.
func (e *Endpoint) DispatchJob(ctx context.Context, payload any) {
	job := completion.NewJob(payload)
	e.metrics.JobsReceived.Add(1)
	e.metrics.LastActivity.Store(time.Now().UnixNano())

	err := e.pool.Submit(func() {
		e.runJob(ctx, job)
	})
	if err != nil {
		e.log.WithError(err).WithField("job", job.ID).Error("could not submit job")
		// Completion re-enters the machine through EventComplete; running it
		// inline here would have the event loop dispatch to itself.
		go e.coordinator.Complete(ctx, job, completion.Failure(err))
	}
}

// runJob executes the handler for one job on the dispatch worker. A panic in
// the handler is a job failure, never an endpoint crash.
func (e *Endpoint) runJob(ctx context.Context, job *completion.Job) {
	h := e.handler.Load()
	if h == nil {
		delivered := e.signals.emitJob(JobSignal{
			ID:      job.ID,
			Payload: job.Payload,
			Complete: func(value any, err error) {
				e.coordinator.Complete(ctx, job, completion.Outcome{Value: value, Err: err})
			},
		})
		if !delivered {
			e.coordinator.Complete(ctx, job, completion.Failure(ErrNoHandler))
		}
		return
	}

	out := e.invokeHandler(ctx, *h, job.Payload)
	e.coordinator.Complete(ctx, job, out)
}

func (e *Endpoint) invokeHandler(ctx context.Context, h Handler, payload any) (out completion.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = completion.Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()

	value, err := h(ctx, payload)
	if err != nil {
		return completion.Failure(err)
	}
	return completion.Success(value)
}

// PauseConnection implements lifecycle.Actions.
func (e *Endpoint) PauseConnection(ctx context.Context) error {
	e.signals.emitDebug("pausing connection")
	return e.transport.Pause(ctx)
}

// ResumeConnection implements lifecycle.Actions.
func (e *Endpoint) ResumeConnection(ctx context.Context) error {
	e.signals.emitDebug("resuming connection")
	return e.transport.Resume(ctx)
}

// BeginClose implements lifecycle.Actions: attach the close listener, then
// issue the close.
func (e *Endpoint) BeginClose(ctx context.Context) error {
	e.closeOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
			case <-e.transport.Closed():
				if err := e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventClosed}); err != nil {
					e.log.WithError(err).Warn("could not report connection close")
				}
			}
		}()
	})

	e.signals.emitDebug("closing connection")
	return e.transport.Close(ctx)
}

// Finalize implements lifecycle.Actions.
func (e *Endpoint) Finalize(_ context.Context) {
	e.pool.Shutdown()
	e.signals.emitDebug("endpoint terminated")
	e.log.Debug("endpoint finalized")
}

// onJobComplete fires exactly once per job, after any wire-level effect, and
// returns the machine to a steady state.
func (e *Endpoint) onJobComplete(ctx context.Context, job *completion.Job) {
	e.metrics.closeJob(job.ReceivedAt)

	if err := e.machine.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.EventComplete}); err != nil {
		e.log.WithError(err).WithField("job", job.ID).Warn("could not report job completion")
	}
}

func (e *Endpoint) onJobFailure(job *completion.Job, err error) {
	e.metrics.JobsFailed.Add(1)
	e.log.WithError(err).WithField("job", job.ID).Warn("job failed")
	e.signals.emitFailure(FailureSignal{JobID: job.ID, Payload: job.Payload, Err: err})
}

// onRejectedEvent fires for events the current state does not accept. A
// receive outside READY is a protocol violation; other rejections are benign
// no-ops such as resuming an endpoint that is already ready.
func (e *Endpoint) onRejectedEvent(state lifecycle.State, ev lifecycle.Event) {
	if ev.Kind == lifecycle.EventReceive {
		e.metrics.ProtocolViolations.Add(1)
		e.signals.emitDebug("protocol violation: payload received in state " + state.String())
		return
	}
	e.signals.emitDebug("event " + ev.Kind.String() + " ignored in state " + state.String())
}
