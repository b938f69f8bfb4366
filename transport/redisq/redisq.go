// Package redisq implements the transport contract over redis lists: writes
// LPUSH onto the queue list, reads BRPOP from it, and discarded messages are
// parked on a dead-letter list. Lists live in the server's keyspace, so
// deliveries are durable to whatever extent the server's persistence
// configuration makes them.
package redisq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"

	"github.com/CalebMorris/coyote/transport"
)

const (
	queueKeyPrefix = "coyote:queue:"
	deadKeySuffix  = ":dead"

	popTimeout     = time.Second
	connectTimeout = 5 * time.Second
)

// Transport drives one redis-list queue.
type Transport struct {
	rawURL string

	client     *redis.Client
	queueKey   string
	writeKey   string
	deadKey    string
	expiration time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	trackAck bool

	inflight []byte

	out        chan []byte
	closed     chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once
	loopCancel context.CancelFunc

	log *util.LogEntry
}

// New creates an unconnected transport for the given redis URL.
func New(ctx context.Context, rawURL string) *Transport {
	t := &Transport{
		rawURL: rawURL,
		out:    make(chan []byte),
		closed: make(chan struct{}),
		quit:   make(chan struct{}),
		log:    util.Log(ctx).WithField("transport", "redisq"),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Connect dials redis and starts the pop loop when the endpoint reads.
func (t *Transport) Connect(ctx context.Context, queueName string, opts transport.ConnectOptions) error {
	select {
	case <-t.quit:
		return transport.ErrClosed
	default:
	}

	redisOpts, err := redis.ParseURL(t.rawURL)
	if err != nil {
		return err
	}
	t.client = redis.NewClient(redisOpts)

	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err = t.client.Ping(pctx).Err(); err != nil {
		return err
	}

	t.queueKey, t.writeKey, t.deadKey = deriveKeys(queueName, opts)
	t.expiration = opts.Expiration

	if opts.Read {
		t.trackAck = opts.Ack

		// Without settlement tracking the hand-off channel is the only
		// read-ahead bound, so it carries the prefetch allowance.
		if !opts.Ack && opts.Prefetch > 1 {
			t.out = make(chan []byte, opts.Prefetch-1)
		}

		lctx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
		t.loopCancel = loopCancel
		go t.listen(lctx)
	}

	return nil
}

// deriveKeys resolves the list keys for a queue subject. The topic option
// overrides the queue name; the routing option redirects writes only.
func deriveKeys(queueName string, opts transport.ConnectOptions) (queueKey, writeKey, deadKey string) {
	subject := opts.Topic
	if subject == "" {
		subject = queueName
	}

	queueKey = queueKeyPrefix + subject
	deadKey = queueKey + deadKeySuffix

	writeKey = queueKey
	if opts.Routing != "" {
		writeKey = queueKeyPrefix + opts.Routing
	}
	return queueKey, writeKey, deadKey
}

// listen pops one element at a time, parking while paused. When the endpoint
// settles deliveries the popped payload is held as the in-flight delivery and
// the next pop waits until Ack or Discard clears it; a BRPOP has already
// removed the element from the list, so popping ahead of settlement would
// lose it. Without settlement tracking the pop is the settlement.
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

		res, err := t.client.BRPop(ctx, popTimeout, t.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.log.WithError(err).Error("could not pop message")
			continue
		}

		chunk := []byte(res[1])
		if t.trackAck {
			t.mu.Lock()
			t.inflight = chunk
			t.mu.Unlock()
		}

		select {
		case <-t.quit:
			return
		case t.out <- chunk:
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

// Write pushes one chunk onto the queue list, honoring the routing key when
// one was configured.
func (t *Transport) Write(ctx context.Context, chunk []byte) error {
	if t.client == nil {
		return transport.ErrNotConnected
	}
	return t.client.LPush(ctx, t.writeKey, chunk).Err()
}

// Pause parks the pop loop before its next pop.
func (t *Transport) Pause(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = true
	return nil
}

// Resume releases the pop loop.
func (t *Transport) Resume(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = false
	t.cond.Broadcast()
	return nil
}

// Ack settles the in-flight delivery. The pop already removed it from the
// queue, so this only clears the hold.
func (t *Transport) Ack(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight == nil {
		return transport.ErrNoInflightMessage
	}
	t.inflight = nil
	t.cond.Broadcast()
	return nil
}

// Discard parks the in-flight delivery on the dead-letter list. When an
// expiration was configured the dead-letter list carries it as a TTL.
func (t *Transport) Discard(ctx context.Context) error {
	t.mu.Lock()
	chunk := t.inflight
	t.inflight = nil
	t.cond.Broadcast()
	t.mu.Unlock()

	if chunk == nil {
		return transport.ErrNoInflightMessage
	}

	pipe := t.client.Pipeline()
	pipe.LPush(ctx, t.deadKey, chunk)
	if t.expiration > 0 {
		pipe.Expire(ctx, t.deadKey, t.expiration)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close stops the pop loop, closes the client and fires the close
// notification.
func (t *Transport) Close(_ context.Context) error {
	t.quitOnce.Do(func() {
		t.mu.Lock()
		close(t.quit)
		t.cond.Broadcast()
		t.mu.Unlock()

		if t.loopCancel != nil {
			t.loopCancel()
		}
		if t.client != nil {
			if err := t.client.Close(); err != nil {
				t.log.WithError(err).Warn("could not close redis client")
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
