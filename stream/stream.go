// Package stream bridges a transport's chunked byte stream and the
// structured payload values the rest of the endpoint works with. Inbound
// chunks are JSON-decoded one value per chunk; outbound values are
// JSON-encoded to UTF-8 text. The two directions are independent.
package stream

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/util"

	"github.com/CalebMorris/coyote/transport"
)

// ErrorEnvelope is the wire shape a write-capable endpoint sends downstream
// when a job fails.
type ErrorEnvelope struct {
	Error string `json:"error"`
}

// Marshal serializes one outbound payload to UTF-8 JSON text. Pre-encoded
// raw bytes pass through untouched so they are not double-encoded.
func Marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// Writer is the outbound half of the adapter.
type Writer struct {
	t transport.Transport
}

// NewWriter wraps a transport's outbound stream.
func NewWriter(t transport.Transport) *Writer {
	return &Writer{t: t}
}

// Write serializes one value and forwards it to the transport.
func (w *Writer) Write(ctx context.Context, payload any) error {
	chunk, err := Marshal(payload)
	if err != nil {
		return err
	}
	return w.t.Write(ctx, chunk)
}

// Reader is the inbound half of the adapter. Each decoded chunk is handed to
// the emit callback; raw chunks additionally go to the optional raw callback
// before decoding.
type Reader struct {
	t    transport.Transport
	emit func(payload any)
	raw  func(chunk []byte)
	log  *util.LogEntry

	decodeFailures func()
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithRawFunc taps the undecoded chunk stream.
func WithRawFunc(f func(chunk []byte)) ReaderOption {
	return func(r *Reader) {
		r.raw = f
	}
}

// WithDecodeFailureFunc is invoked once per chunk that fails to decode.
func WithDecodeFailureFunc(f func()) ReaderOption {
	return func(r *Reader) {
		r.decodeFailures = f
	}
}

// NewReader wraps a transport's inbound stream. Nothing is consumed until
// Attach.
func NewReader(ctx context.Context, t transport.Transport, emit func(payload any), opts ...ReaderOption) *Reader {
	r := &Reader{
		t:    t,
		emit: emit,
		log:  util.Log(ctx).WithField("component", "stream"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach starts decoding inbound chunks until the transport's stream closes
// or the context is canceled.
func (r *Reader) Attach(ctx context.Context) {
	go r.listen(ctx)
}

func (r *Reader) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-r.t.Read():
			if !ok {
				r.log.Debug("inbound stream closed")
				return
			}

			if r.raw != nil {
				r.raw(chunk)
			}

			var payload any
			if err := json.Unmarshal(chunk, &payload); err != nil {
				r.log.WithError(err).Warn("could not decode inbound chunk")
				if r.decodeFailures != nil {
					r.decodeFailures()
				}
				continue
			}

			r.emit(payload)
		}
	}
}
