package coyote

import (
	"context"
	"time"

	"github.com/pitabwire/util"

	"github.com/CalebMorris/coyote/transport"
)

// Option configures an Endpoint during construction.
type Option func(ctx context.Context, e *Endpoint)

// WithTopic overrides the queue name as the addressable subject where the
// broker distinguishes the two.
func WithTopic(topic string) Option {
	return func(_ context.Context, e *Endpoint) {
		e.topic = topic
	}
}

// WithRouting sets a broker-specific routing key for outbound payloads.
func WithRouting(routing string) Option {
	return func(_ context.Context, e *Endpoint) {
		e.routing = routing
	}
}

// WithPrefetch bounds how many deliveries the transport may buffer ahead of
// consumption. Defaults to 1.
func WithPrefetch(prefetch int) Option {
	return func(_ context.Context, e *Endpoint) {
		e.prefetch = prefetch
	}
}

// WithPersistent requests durable delivery where the broker supports it.
func WithPersistent(persistent bool) Option {
	return func(_ context.Context, e *Endpoint) {
		e.persistent = persistent
	}
}

// WithExpiration bounds the lifetime of messages this endpoint produces.
func WithExpiration(expiration time.Duration) Option {
	return func(_ context.Context, e *Endpoint) {
		e.expiration = expiration
	}
}

// WithTransport supplies the transport collaborator directly, bypassing
// scheme-based selection.
func WithTransport(t transport.Transport) Option {
	return func(_ context.Context, e *Endpoint) {
		e.transport = t
	}
}

// WithHandler registers the job handler at construction time.
func WithHandler(h Handler) Option {
	return func(_ context.Context, e *Endpoint) {
		e.storeHandler(h)
	}
}

// WithSignalBuffer sets the buffer depth of each signal channel.
func WithSignalBuffer(n int) Option {
	return func(_ context.Context, e *Endpoint) {
		e.signalBuffer = n
	}
}

// WithLogger replaces the context logger for this endpoint.
func WithLogger(opts ...util.Option) Option {
	return func(ctx context.Context, e *Endpoint) {
		e.log = util.NewLogger(ctx, opts...)
	}
}
