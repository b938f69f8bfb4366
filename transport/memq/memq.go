// Package memq is an in-process transport backed by channels. It exists for
// tests and examples: deliveries, acknowledgments and pause/resume calls are
// all observable, and producers inject chunks directly. Unlike the broker
// transports it delivers eagerly and ignores settlement, so tests can drive
// overlapping deliveries and other interleavings the endpoint must defend
// against.
package memq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/util"

	"github.com/CalebMorris/coyote/transport"
)

const defaultBufferSize = 32

// Transport is a channel-backed transport.Transport implementation.
type Transport struct {
	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	connected bool
	queueName string

	inbound  chan []byte
	delivery chan []byte
	outbound chan []byte

	closed   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once

	ackCount     atomic.Int64
	discardCount atomic.Int64
	pauseCount   atomic.Int64
	resumeCount  atomic.Int64

	log *util.LogEntry
}

// New creates an unconnected in-process transport.
func New(ctx context.Context) *Transport {
	t := &Transport{
		inbound:  make(chan []byte, defaultBufferSize),
		delivery: make(chan []byte),
		outbound: make(chan []byte, defaultBufferSize),
		closed:   make(chan struct{}),
		quit:     make(chan struct{}),
		log:      util.Log(ctx).WithField("transport", "memq"),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Connect marks the transport connected and starts the delivery pump.
func (t *Transport) Connect(ctx context.Context, queueName string, _ transport.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	select {
	case <-t.quit:
		return transport.ErrClosed
	default:
	}

	t.connected = true
	t.queueName = queueName
	go t.pump(ctx)
	return nil
}

// pump forwards injected chunks to the delivery channel, parking while the
// transport is paused.
func (t *Transport) pump(_ context.Context) {
	defer close(t.delivery)

	for {
		var chunk []byte
		select {
		case <-t.quit:
			return
		case chunk = <-t.inbound:
		}

		t.mu.Lock()
		for t.paused {
			select {
			case <-t.quit:
				t.mu.Unlock()
				return
			default:
			}
			t.cond.Wait()
		}
		t.mu.Unlock()

		select {
		case <-t.quit:
			return
		case t.delivery <- chunk:
		}
	}
}

// Inject queues one inbound chunk as if the broker had delivered it.
func (t *Transport) Inject(chunk []byte) {
	select {
	case <-t.quit:
	case t.inbound <- chunk:
	}
}

// Read returns the inbound delivery stream.
func (t *Transport) Read() <-chan []byte {
	return t.delivery
}

// Write records one outbound chunk on the Sent channel.
func (t *Transport) Write(ctx context.Context, chunk []byte) error {
	select {
	case <-t.quit:
		return transport.ErrClosed
	default:
	}

	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}

	select {
	case <-t.quit:
		return transport.ErrClosed
	case t.outbound <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent exposes everything written through the transport.
func (t *Transport) Sent() <-chan []byte {
	return t.outbound
}

// Pause parks the delivery pump.
func (t *Transport) Pause(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pauseCount.Add(1)
	t.paused = true
	return nil
}

// Resume releases the delivery pump.
func (t *Transport) Resume(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resumeCount.Add(1)
	t.paused = false
	t.cond.Broadcast()
	return nil
}

// Close shuts the transport down and fires the close notification.
func (t *Transport) Close(_ context.Context) error {
	t.quitOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		close(t.quit)
		t.cond.Broadcast()
		t.mu.Unlock()

		t.log.WithField("queue", t.queueName).Debug("transport closed")
		close(t.closed)
	})
	return nil
}

// Closed is closed once Close has completed.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

// Ack records a positive acknowledgment.
func (t *Transport) Ack(_ context.Context) error {
	t.ackCount.Add(1)
	return nil
}

// Discard records a negative acknowledgment.
func (t *Transport) Discard(_ context.Context) error {
	t.discardCount.Add(1)
	return nil
}

// AckCount reports how many times Ack was called.
func (t *Transport) AckCount() int64 { return t.ackCount.Load() }

// DiscardCount reports how many times Discard was called.
func (t *Transport) DiscardCount() int64 { return t.discardCount.Load() }

// PauseCount reports how many times Pause was called.
func (t *Transport) PauseCount() int64 { return t.pauseCount.Load() }

// ResumeCount reports how many times Resume was called.
func (t *Transport) ResumeCount() int64 { return t.resumeCount.Load() }
