// Package cloudq implements the transport contract over gocloud.dev pubsub.
// The mem and NATS drivers are registered, so mem:// and nats:// URIs work
// out of the box; any other registered pubsub scheme works the same way.
package cloudq

import (
	"context"
	"strings"
	"sync"
	"time"

	_ "github.com/pitabwire/natspubsub" // required for NATS pubsub driver registration
	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // required for in-memory pubsub driver registration

	"github.com/CalebMorris/coyote/transport"
)

const (
	closeTimeout       = 5 * time.Second
	receiveRetryDelay  = 100 * time.Millisecond
	routingMetadataKey = "coyote.routing"
)

// Transport drives one gocloud topic/subscription pair.
type Transport struct {
	rawURL  string
	routing string

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	trackAck bool

	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	inflight *pubsub.Message

	out        chan []byte
	closed     chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once
	loopCancel context.CancelFunc

	log *util.LogEntry
}

// New creates an unconnected transport for the given pubsub base URL.
func New(ctx context.Context, rawURL string) *Transport {
	t := &Transport{
		rawURL: rawURL,
		out:    make(chan []byte),
		closed: make(chan struct{}),
		quit:   make(chan struct{}),
		log:    util.Log(ctx).WithField("transport", "cloudq").WithField("url", rawURL),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// subjectURL resolves the concrete driver URL for a queue subject.
func (t *Transport) subjectURL(queueName string, opts transport.ConnectOptions) string {
	subject := opts.Topic
	if subject == "" {
		subject = queueName
	}

	base := strings.TrimSuffix(t.rawURL, "/")
	if strings.HasPrefix(strings.ToLower(base), "mem://") {
		return "mem://" + subject
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "subject=" + subject
}

// Connect opens the topic and subscription the capability set calls for.
// The mem driver requires the topic to exist before a subscription attaches,
// so the topic is opened first even for read-only endpoints on mem URLs.
func (t *Transport) Connect(ctx context.Context, queueName string, opts transport.ConnectOptions) error {
	select {
	case <-t.quit:
		return transport.ErrClosed
	default:
	}

	t.routing = opts.Routing
	u := t.subjectURL(queueName, opts)
	isMem := strings.HasPrefix(strings.ToLower(u), "mem://")

	if opts.Write || isMem {
		topic, err := pubsub.OpenTopic(ctx, u)
		if err != nil {
			return err
		}
		t.topic = topic
	}

	if opts.Read {
		sub, err := pubsub.OpenSubscription(ctx, u)
		if err != nil {
			return err
		}
		t.sub = sub
		t.trackAck = opts.Ack

		// Without settlement tracking the hand-off channel is the only
		// read-ahead bound, so it carries the prefetch allowance.
		if !opts.Ack && opts.Prefetch > 1 {
			t.out = make(chan []byte, opts.Prefetch-1)
		}

		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.loopCancel = cancel
		go t.listen(lctx)
	}

	return nil
}

// listen pulls deliveries one at a time, parking while paused. When the
// endpoint settles deliveries the next pull waits until Ack or Discard clears
// the in-flight message, so a settlement always lands on the delivery it
// belongs to; otherwise each delivery is acknowledged on hand-off.
func (t *Transport) listen(ctx context.Context) {
	defer close(t.out)

	for {
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
		default:
		}

		msg, err := t.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.WithError(err).Error("could not pull message")
			select {
			case <-t.quit:
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		if t.trackAck {
			t.mu.Lock()
			t.inflight = msg
			t.mu.Unlock()
		} else {
			msg.Ack()
		}

		select {
		case <-t.quit:
			return
		case t.out <- msg.Body:
		}

		if t.trackAck {
			t.mu.Lock()
			for t.inflight != nil {
				select {
				case <-t.quit:
					t.mu.Unlock()
					return
				default:
				}
				t.cond.Wait()
			}
			t.mu.Unlock()
		}
	}
}

// Read returns the inbound delivery stream.
func (t *Transport) Read() <-chan []byte {
	return t.out
}

// Write publishes one chunk. Trace context and the routing key, when set,
// travel in the message metadata.
func (t *Transport) Write(ctx context.Context, chunk []byte) error {
	if t.topic == nil {
		return transport.ErrNotConnected
	}

	metadata := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, metadata)
	if t.routing != "" {
		metadata[routingMetadataKey] = t.routing
	}

	return t.topic.Send(ctx, &pubsub.Message{
		Body:     chunk,
		Metadata: metadata,
	})
}

// Pause parks the delivery loop before its next pull.
func (t *Transport) Pause(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = true
	return nil
}

// Resume releases the delivery loop.
func (t *Transport) Resume(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = false
	t.cond.Broadcast()
	return nil
}

// Ack settles the in-flight delivery positively.
func (t *Transport) Ack(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight == nil {
		return transport.ErrNoInflightMessage
	}
	t.inflight.Ack()
	t.inflight = nil
	t.cond.Broadcast()
	return nil
}

// Discard settles the in-flight delivery negatively. Redelivery is the
// broker's business.
func (t *Transport) Discard(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight == nil {
		return transport.ErrNoInflightMessage
	}
	if t.inflight.Nackable() {
		t.inflight.Nack()
	}
	t.inflight = nil
	t.cond.Broadcast()
	return nil
}

// Close tears down the subscription and topic, then fires the close
// notification.
func (t *Transport) Close(ctx context.Context) error {
	t.quitOnce.Do(func() {
		t.mu.Lock()
		close(t.quit)
		t.cond.Broadcast()
		t.mu.Unlock()

		if t.loopCancel != nil {
			t.loopCancel()
		}

		sctx := ctx
		if ctx.Err() != nil {
			sctx = context.Background()
		}
		sctx, cancel := context.WithTimeout(sctx, closeTimeout)
		defer cancel()

		// The mem driver is process-local and shared by URL; shutting it
		// down would poison later in-process users of the same topic URL.
		isMem := strings.HasPrefix(strings.ToLower(t.rawURL), "mem://")

		if t.sub != nil && !isMem {
			if err := t.sub.Shutdown(sctx); err != nil {
				t.log.WithError(err).Warn("could not shut down subscription")
			}
		}
		if t.topic != nil && !isMem {
			if err := t.topic.Shutdown(sctx); err != nil {
				t.log.WithError(err).Warn("could not shut down topic")
			}
		}

		t.log.Debug("transport closed")
		close(t.closed)
	})
	return nil
}

// Closed is closed once teardown has completed.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}
