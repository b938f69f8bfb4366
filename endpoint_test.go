package coyote_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coyote "github.com/CalebMorris/coyote"
	"github.com/CalebMorris/coyote/config"
	"github.com/CalebMorris/coyote/lifecycle"
	"github.com/CalebMorris/coyote/transport"
	"github.com/CalebMorris/coyote/transport/cloudq"
	"github.com/CalebMorris/coyote/transport/memq"
)

const testTimeout = 5 * time.Second

func newReadyEndpoint(t *testing.T, archetype string, opts ...coyote.Option) (context.Context, *coyote.Endpoint, *memq.Transport) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	tr := memq.New(ctx)
	opts = append([]coyote.Option{coyote.WithTransport(tr)}, opts...)

	e, err := coyote.NewEndpoint(ctx, "mem://local", archetype, "dinner.requests", opts...)
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))

	return ctx, e, tr
}

func receiveChunk(t *testing.T, ctx context.Context, tr *memq.Transport) []byte {
	t.Helper()
	select {
	case chunk := <-tr.Sent():
		return chunk
	case <-ctx.Done():
		t.Fatal("no chunk was written downstream")
		return nil
	}
}

func TestNewEndpointValidation(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name      string
		uri       string
		archetype string
		queueName string
		opts      []coyote.Option
		wantErr   error
	}{
		{name: "empty uri", uri: "", archetype: "REPLY", queueName: "q", wantErr: coyote.ErrInvalidURI},
		{name: "schemeless uri", uri: "not-a-uri", archetype: "REPLY", queueName: "q", wantErr: coyote.ErrInvalidURI},
		{name: "unknown archetype", uri: "mem://x", archetype: "TELEPORT", queueName: "q", wantErr: coyote.ErrInvalidArchetype},
		{name: "empty queue name", uri: "mem://x", archetype: "REPLY", queueName: "  ", wantErr: coyote.ErrQueueNameRequired},
		{
			name: "negative prefetch", uri: "mem://x", archetype: "REPLY", queueName: "q",
			opts: []coyote.Option{coyote.WithPrefetch(-1)}, wantErr: coyote.ErrInvalidOption,
		},
		{
			name: "negative expiration", uri: "mem://x", archetype: "REPLY", queueName: "q",
			opts: []coyote.Option{coyote.WithExpiration(-time.Second)}, wantErr: coyote.ErrInvalidOption,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coyote.NewEndpoint(ctx, tc.uri, tc.archetype, tc.queueName, tc.opts...)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestArchetypeIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	e, err := coyote.NewEndpoint(ctx, "mem://x", "reply", "q", coyote.WithTransport(memq.New(ctx)))
	require.NoError(t, err)
	assert.True(t, e.Mode().CanWrite())
	assert.True(t, e.Mode().CanRead())
}

// TestReplySuccessWritesJSONDownstream is the reply round-trip: a handler
// resolving with "Yum!" puts the UTF-8 JSON encoding of "Yum!" on the wire.
func TestReplySuccessWritesJSONDownstream(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "REPLY")

	e.SetHandler(func(_ context.Context, payload any) (any, error) {
		assert.Equal(t, "What's for dinner?", payload)
		return "Yum!", nil
	})

	tr.Inject([]byte(`"What's for dinner?"`))

	chunk := receiveChunk(t, ctx, tr)
	assert.Equal(t, `"Yum!"`, string(chunk))

	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	assert.Equal(t, int64(1), e.Metrics().JobsCompleted.Load())
	assert.Zero(t, tr.AckCount(), "reply endpoints never ack")
}

// TestWorkerFailureDiscardsAndSignals is the worker failure path: discard on
// the transport, a failure signal with the error, and nothing written.
func TestWorkerFailureDiscardsAndSignals(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "WORKER")

	boom := errors.New("resize failed")
	e.SetHandler(func(_ context.Context, _ any) (any, error) {
		return nil, boom
	})

	tr.Inject([]byte(`{"image":"cat.png"}`))

	select {
	case failure := <-e.Signals().Failures():
		assert.ErrorIs(t, failure.Err, boom)
		assert.Equal(t, map[string]any{"image": "cat.png"}, failure.Payload)
		assert.NotEmpty(t, failure.JobID)
	case <-ctx.Done():
		t.Fatal("failure signal never fired")
	}

	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	require.Eventually(t, func() bool { return tr.DiscardCount() == 1 }, testTimeout, 5*time.Millisecond)
	assert.Zero(t, tr.AckCount())
	select {
	case chunk := <-tr.Sent():
		t.Fatalf("no downstream write expected, got %s", chunk)
	default:
	}
	assert.Equal(t, int64(1), e.Metrics().JobsFailed.Load())
}

func TestWorkerSuccessAcks(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "WORKER")

	e.SetHandler(func(_ context.Context, _ any) (any, error) {
		return nil, nil
	})

	tr.Inject([]byte(`{"image":"dog.png"}`))

	require.Eventually(t, func() bool { return tr.AckCount() == 1 }, testTimeout, 5*time.Millisecond)
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	assert.Zero(t, tr.DiscardCount())
}

// TestSubscribeReadOnlyRoundTrip drives READY -> WORKING -> READY with no
// write and no ack ever issued.
func TestSubscribeReadOnlyRoundTrip(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")

	var mu sync.Mutex
	var seen []any
	e.SetHandler(func(_ context.Context, payload any) (any, error) {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
		return nil, nil
	})

	tr.Inject([]byte(`1`))
	tr.Inject([]byte(`2`))

	require.Eventually(t, func() bool {
		return e.Metrics().JobsCompleted.Load() == 2
	}, testTimeout, 5*time.Millisecond)
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))

	mu.Lock()
	assert.Equal(t, []any{float64(1), float64(2)}, seen)
	mu.Unlock()

	assert.Zero(t, tr.AckCount())
	assert.Zero(t, tr.DiscardCount())
	select {
	case <-tr.Sent():
		t.Fatal("read-only endpoint must never write")
	default:
	}
}

// TestPauseDefersUntilJobCompletes is the pause-mid-job scenario: the
// transport's pause primitive fires only after the in-flight job completes.
func TestPauseDefersUntilJobCompletes(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")

	gate := make(chan struct{})
	e.SetHandler(func(_ context.Context, _ any) (any, error) {
		<-gate
		return nil, nil
	})

	tr.Inject([]byte(`"job"`))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateWorking))

	require.NoError(t, e.Pause(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StatePausing))
	assert.Zero(t, tr.PauseCount(), "pause must wait for the in-flight job")

	close(gate)
	require.NoError(t, e.WaitState(ctx, lifecycle.StatePaused))
	assert.Equal(t, int64(1), tr.PauseCount())

	require.NoError(t, e.Resume(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	assert.Equal(t, int64(1), tr.ResumeCount())
}

func TestResumeWhilePausingCancelsIntent(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")

	gate := make(chan struct{})
	e.SetHandler(func(_ context.Context, _ any) (any, error) {
		<-gate
		return nil, nil
	})

	tr.Inject([]byte(`"job"`))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateWorking))

	require.NoError(t, e.Pause(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StatePausing))
	require.NoError(t, e.Resume(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateWorking))

	close(gate)
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))

	assert.Zero(t, tr.PauseCount(), "canceled pause intent must never touch the socket")
	assert.Zero(t, tr.ResumeCount())
}

// TestResumeWhileReadyIsNoOp pins resume idempotence.
func TestResumeWhileReadyIsNoOp(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")

	require.NoError(t, e.Resume(ctx))
	require.NoError(t, e.Resume(ctx))

	// The endpoint still accepts work afterwards.
	e.SetHandler(func(_ context.Context, _ any) (any, error) { return nil, nil })
	tr.Inject([]byte(`"still alive"`))

	require.Eventually(t, func() bool {
		return e.Metrics().JobsCompleted.Load() == 1
	}, testTimeout, 5*time.Millisecond)

	assert.Equal(t, lifecycle.StateReady, e.State())
	assert.Zero(t, tr.ResumeCount())
}

// TestShutdownWhileIdle goes straight READY -> SHUTDOWN -> FINAL once the
// transport's close notification lands.
func TestShutdownWhileIdle(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, lifecycle.StateFinal, e.State())

	select {
	case <-tr.Closed():
	default:
		t.Fatal("transport close must have been issued")
	}
}

func TestShutdownDefersUntilJobCompletes(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "WORKER")

	gate := make(chan struct{})
	e.SetHandler(func(_ context.Context, _ any) (any, error) {
		<-gate
		return nil, nil
	})

	tr.Inject([]byte(`"job"`))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateWorking))

	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateStopping))

	select {
	case <-tr.Closed():
		t.Fatal("close must wait for the in-flight job")
	default:
	}

	close(gate)
	require.NoError(t, e.WaitState(ctx, lifecycle.StateFinal))
	require.Eventually(t, func() bool { return tr.AckCount() == 1 }, testTimeout, 5*time.Millisecond,
		"the in-flight job still completed normally")
}

// TestReceiveWhileWorkingIsProtocolViolation injects a second payload while
// the first is still in flight; it must be dropped and counted, and the
// endpoint must keep going.
func TestReceiveWhileWorkingIsProtocolViolation(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")

	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []any
	e.SetHandler(func(_ context.Context, payload any) (any, error) {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
		<-gate
		return nil, nil
	})

	tr.Inject([]byte(`1`))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateWorking))
	tr.Inject([]byte(`2`))

	require.Eventually(t, func() bool {
		return e.Metrics().ProtocolViolations.Load() == 1
	}, testTimeout, 5*time.Millisecond)

	close(gate)
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))

	mu.Lock()
	assert.Equal(t, []any{float64(1)}, seen, "the overlapping payload must not reach the handler")
	mu.Unlock()
	assert.Equal(t, int64(1), e.Metrics().JobsCompleted.Load())
}

func TestHandlerPanicBecomesJobFailure(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "WORKER")

	e.SetHandler(func(_ context.Context, _ any) (any, error) {
		panic("handler exploded")
	})

	tr.Inject([]byte(`"job"`))

	select {
	case failure := <-e.Signals().Failures():
		assert.Contains(t, failure.Err.Error(), "handler exploded")
	case <-ctx.Done():
		t.Fatal("failure signal never fired")
	}

	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	require.Eventually(t, func() bool { return tr.DiscardCount() == 1 }, testTimeout, 5*time.Millisecond)
}

// TestCallbackStyleConsumer exercises the job signal channel: with no
// handler registered, payloads arrive with a completion callback.
func TestCallbackStyleConsumer(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "REPLY")

	go func() {
		select {
		case sig := <-e.Signals().Jobs():
			sig.Complete("pong: "+sig.Payload.(string), nil)
		case <-ctx.Done():
		}
	}()

	tr.Inject([]byte(`"ping"`))

	chunk := receiveChunk(t, ctx, tr)
	assert.Equal(t, `"pong: ping"`, string(chunk))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
}

func TestCallbackDuplicateCompletionIgnored(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "REPLY")

	go func() {
		select {
		case sig := <-e.Signals().Jobs():
			sig.Complete("first", nil)
			sig.Complete("second", nil)
		case <-ctx.Done():
		}
	}()

	tr.Inject([]byte(`"ping"`))

	chunk := receiveChunk(t, ctx, tr)
	assert.Equal(t, `"first"`, string(chunk))

	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	select {
	case extra := <-tr.Sent():
		t.Fatalf("duplicate completion must be ignored, got %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), e.Metrics().JobsCompleted.Load())
}

func TestDataSignalTapsRawChunks(t *testing.T) {
	ctx, e, tr := newReadyEndpoint(t, "SUBSCRIBE")
	e.SetHandler(func(_ context.Context, _ any) (any, error) { return nil, nil })

	tr.Inject([]byte(`{"raw":true}`))

	select {
	case chunk := <-e.Signals().Data():
		assert.Equal(t, `{"raw":true}`, string(chunk))
	case <-ctx.Done():
		t.Fatal("raw data signal never fired")
	}
}

// TestWorkerDrainsBacklogOverPubsub runs a worker against the real pubsub
// transport with a queued backlog: every message reaches the handler exactly
// once and in order, with no overlapping delivery rejected along the way.
func TestWorkerDrainsBacklogOverPubsub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	e, err := coyote.NewEndpoint(ctx, "mem://", "WORKER", "backlog.jobs")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []any
	e.SetHandler(func(_ context.Context, payload any) (any, error) {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	t.Cleanup(func() { _ = e.Stop(context.WithoutCancel(ctx)) })

	producer := cloudq.New(ctx, "mem://")
	require.NoError(t, producer.Connect(ctx, "backlog.jobs", transport.ConnectOptions{Write: true}))
	t.Cleanup(func() { _ = producer.Close(ctx) })

	require.NoError(t, producer.Write(ctx, []byte(`1`)))
	require.NoError(t, producer.Write(ctx, []byte(`2`)))
	require.NoError(t, producer.Write(ctx, []byte(`3`)))

	require.Eventually(t, func() bool {
		return e.Metrics().JobsCompleted.Load() == 3
	}, testTimeout, 5*time.Millisecond)
	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))

	mu.Lock()
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, seen)
	mu.Unlock()
	assert.Zero(t, e.Metrics().ProtocolViolations.Load(), "a queued backlog must never overlap deliveries")
	assert.Zero(t, e.Metrics().JobsFailed.Load())
}

func TestRunBlocksUntilFinal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	tr := memq.New(ctx)
	e, err := coyote.NewEndpoint(ctx, "mem://local", "SUBSCRIBE", "dinner.requests", coyote.WithTransport(tr))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- e.Run(ctx)
	}()

	require.NoError(t, e.WaitState(ctx, lifecycle.StateReady))
	require.NoError(t, e.Shutdown(ctx))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("run never returned")
	}
	assert.Equal(t, lifecycle.StateFinal, e.State())
}

func TestNewEndpointFromConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	cfg := config.EndpointConfig{
		URI:       "mem://local",
		Archetype: "worker",
		QueueName: "image.resize",
		Topic:     "resize",
		Prefetch:  1,
	}

	e, err := coyote.NewEndpointFromConfig(ctx, cfg, coyote.WithTransport(memq.New(ctx)))
	require.NoError(t, err)
	assert.True(t, e.Mode().CanAck())
	assert.False(t, e.Mode().CanWrite())
}

func TestNewEndpointFromConfigInvalid(t *testing.T) {
	_, err := coyote.NewEndpointFromConfig(context.Background(), config.EndpointConfig{
		URI:       "mem://local",
		Archetype: "nope",
		QueueName: "q",
	})
	require.ErrorIs(t, err, coyote.ErrInvalidArchetype)
}
