// Package completion turns a handler's outcome into the wire-level effect
// the endpoint's capability set allows: reply downstream, acknowledge or
// discard on the transport, or nothing at all. Every job completes exactly
// once regardless of how many times completion is attempted.
package completion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/CalebMorris/coyote/mode"
	"github.com/CalebMorris/coyote/stream"
)

// Outcome is a handler result normalized into one of two variants: a success
// value or an error. However the handler produced the result, it reaches the
// coordinator in this shape.
type Outcome struct {
	Value any
	Err   error
}

// Success wraps a handler's return value.
func Success(value any) Outcome {
	return Outcome{Value: value}
}

// Failure wraps a handler's error.
func Failure(err error) Outcome {
	return Outcome{Err: err}
}

// Job is a single unit of work: one decoded payload and, eventually, exactly
// one outcome.
type Job struct {
	ID         string
	Payload    any
	ReceivedAt time.Time

	completed atomic.Bool
}

// NewJob wraps one decoded payload.
func NewJob(payload any) *Job {
	return &Job{
		ID:         xid.New().String(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

// Writer sends one structured payload downstream.
type Writer interface {
	Write(ctx context.Context, payload any) error
}

// Acknowledger settles the in-flight delivery on the transport.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Discard(ctx context.Context) error
}

// Coordinator interprets outcomes for one endpoint's capability set.
// Completion may be attempted from any goroutine; the job's latch keeps it
// exactly-once.
type Coordinator struct {
	mode   mode.Mode
	writer Writer
	acker  Acknowledger
	log    *util.LogEntry

	failureFunc  func(job *Job, err error)
	completeFunc func(ctx context.Context, job *Job)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFailureFunc registers the job-failure signal.
func WithFailureFunc(f func(job *Job, err error)) Option {
	return func(c *Coordinator) {
		c.failureFunc = f
	}
}

// WithCompleteFunc registers the completion signal delivered exactly once per
// job. Write-capable endpoints fire it after the response is written;
// ack-settling endpoints fire it before the settlement, since settling
// ungates the transport's next delivery.
func WithCompleteFunc(f func(ctx context.Context, job *Job)) Option {
	return func(c *Coordinator) {
		c.completeFunc = f
	}
}

// NewCoordinator builds a coordinator for the given capability set.
func NewCoordinator(ctx context.Context, m mode.Mode, writer Writer, acker Acknowledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		mode:   m,
		writer: writer,
		acker:  acker,
		log:    util.Log(ctx).WithField("component", "completion"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete settles one job. Errors are translated into the archetype's
// downstream action: write-capable endpoints reply with an error envelope,
// ack-capable ones discard, read-only ones only signal the failure. A nil
// error becomes a response write for write-capable endpoints and an ack for
// ack-capable ones. Late or duplicate attempts are ignored.
func (c *Coordinator) Complete(ctx context.Context, job *Job, out Outcome) {
	if !job.completed.CompareAndSwap(false, true) {
		c.log.WithField("job", job.ID).Debug("duplicate completion ignored")
		return
	}

	if c.mode.CanWrite() {
		c.respond(ctx, job, out)
		c.announce(ctx, job, out)
		return
	}

	// Settling the delivery ungates the transport's next pull, so the
	// completion is announced first: the machine is back in a steady state
	// before the next delivery can race it.
	c.announce(ctx, job, out)
	c.settle(ctx, job, out)
}

// respond writes the outcome downstream. Write capability takes precedence
// over ack: an endpoint holding both replies and never acks.
func (c *Coordinator) respond(ctx context.Context, job *Job, out Outcome) {
	log := c.log.WithField("job", job.ID)

	if out.Err != nil {
		if err := c.writer.Write(ctx, stream.ErrorEnvelope{Error: out.Err.Error()}); err != nil {
			log.WithError(err).Error("could not write error envelope")
		}
		return
	}

	if err := c.writer.Write(ctx, out.Value); err != nil {
		log.WithError(err).Error("could not write response")
	}
}

// settle acknowledges or discards the delivery. Read-only archetypes have
// nothing to settle and complete silently.
func (c *Coordinator) settle(ctx context.Context, job *Job, out Outcome) {
	if !c.mode.CanAck() {
		return
	}
	log := c.log.WithField("job", job.ID)

	if out.Err != nil {
		if err := c.acker.Discard(ctx); err != nil {
			log.WithError(err).Error("could not discard message")
		}
		return
	}

	if err := c.acker.Ack(ctx); err != nil {
		log.WithError(err).Error("could not acknowledge message")
	}
}

func (c *Coordinator) announce(ctx context.Context, job *Job, out Outcome) {
	if out.Err != nil && c.failureFunc != nil {
		c.failureFunc(job, out.Err)
	}
	if c.completeFunc != nil {
		c.completeFunc(ctx, job)
	}
}
