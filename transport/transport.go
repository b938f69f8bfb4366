// Package transport declares the collaborator contract an endpoint drives:
// raw connect/pause/resume/close primitives, chunked byte-stream read and
// write, and message acknowledgment. Implementations live in the memq,
// cloudq and redisq subpackages.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by operations that require Connect to have succeeded.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport is closed")
	// ErrNoInflightMessage is returned when Ack or Discard is called with no delivery outstanding.
	ErrNoInflightMessage = errors.New("no message is awaiting acknowledgment")
)

// ConnectOptions carries endpoint configuration down to the transport.
// Each implementation uses the fields it understands and ignores the rest.
type ConnectOptions struct {
	// Topic overrides the queue name as the addressable subject where the
	// underlying broker distinguishes the two.
	Topic string
	// Routing is a broker-specific routing key for outbound payloads.
	Routing string
	// Prefetch bounds how many deliveries the transport may buffer ahead
	// of consumption. Defaults to 1. When Ack is set the effective bound
	// is always 1: the next pull waits for the current delivery to settle.
	Prefetch int
	// Persistent requests durable delivery where the broker supports it.
	// Redis lists are durable by nature; the portable pubsub drivers offer
	// no per-message knob and ignore it.
	Persistent bool
	// Expiration bounds the lifetime of messages this endpoint produces.
	// Zero means no expiry.
	Expiration time.Duration
	// Read and Write declare which directions the endpoint will exercise,
	// letting the transport skip setup for the unused one.
	Read  bool
	Write bool
	// Ack declares that the endpoint settles every delivery with Ack or
	// Discard. Transports that track an in-flight message must then hold
	// the next pull until the current delivery is settled, so that a
	// settlement always pairs with the delivery it belongs to. Without it
	// the transport settles deliveries itself on hand-off.
	Ack bool
}

// Transport is the narrow seam between an endpoint and its protocol client.
//
// The endpoint owns the transport exclusively, but its reader drains the
// chunk stream ahead of job completion. An implementation that tracks an
// in-flight delivery therefore must not pull the next message until Ack or
// Discard settles the current one; otherwise a settlement could land on the
// wrong delivery.
type Transport interface {
	// Connect attaches to the named queue. It must be called before any
	// other operation and is not required to be idempotent.
	Connect(ctx context.Context, queueName string, opts ConnectOptions) error

	// Read exposes the inbound chunk stream, one application-level message
	// per chunk. The channel is closed when the transport closes.
	Read() <-chan []byte

	// Write sends one chunk downstream.
	Write(ctx context.Context, chunk []byte) error

	// Pause stops inbound delivery without dropping buffered messages.
	Pause(ctx context.Context) error

	// Resume restarts inbound delivery after a Pause.
	Resume(ctx context.Context) error

	// Close tears the connection down. The close notification is delivered
	// on the Closed channel once teardown has completed.
	Close(ctx context.Context) error

	// Closed is closed when the connection has fully shut down.
	Closed() <-chan struct{}

	// Ack positively acknowledges the in-flight delivery.
	Ack(ctx context.Context) error

	// Discard negatively acknowledges the in-flight delivery.
	Discard(ctx context.Context) error
}
