package coyote

import (
	"context"
	"time"

	"github.com/pitabwire/util"
)

const defaultSignalBuffer = 16

// DebugSignal is one diagnostic notification.
type DebugSignal struct {
	At      time.Time
	Message string
}

// JobSignal carries one received payload to callback-style consumers along
// with the callback that completes it. Complete may be called from any
// goroutine; only the first call counts.
type JobSignal struct {
	ID       string
	Payload  any
	Complete func(value any, err error)
}

// FailureSignal reports one failed job.
type FailureSignal struct {
	JobID   string
	Payload any
	Err     error
}

// Signals are the endpoint's typed notification channels. Each channel has a
// fixed payload shape and a bounded buffer; emission never blocks the
// lifecycle machinery, so a consumer that stops draining loses notifications
// rather than stalling the endpoint.
type Signals struct {
	debug    chan DebugSignal
	jobs     chan JobSignal
	failures chan FailureSignal
	data     chan []byte

	log *util.LogEntry
}

func newSignals(ctx context.Context, buffer int) *Signals {
	if buffer <= 0 {
		buffer = defaultSignalBuffer
	}
	return &Signals{
		debug:    make(chan DebugSignal, buffer),
		jobs:     make(chan JobSignal, buffer),
		failures: make(chan FailureSignal, buffer),
		data:     make(chan []byte, buffer),
		log:      util.Log(ctx).WithField("component", "signals"),
	}
}

// Debug is the diagnostic notification feed.
func (s *Signals) Debug() <-chan DebugSignal {
	return s.debug
}

// Jobs delivers payloads to callback-style consumers when no handler is
// registered.
func (s *Signals) Jobs() <-chan JobSignal {
	return s.jobs
}

// Failures delivers one notification per failed job.
func (s *Signals) Failures() <-chan FailureSignal {
	return s.failures
}

// Data taps the raw inbound chunk stream before decoding.
func (s *Signals) Data() <-chan []byte {
	return s.data
}

func (s *Signals) emitDebug(message string) {
	select {
	case s.debug <- DebugSignal{At: time.Now(), Message: message}:
	default:
	}
}

// emitJob reports whether a consumer slot accepted the job.
func (s *Signals) emitJob(sig JobSignal) bool {
	select {
	case s.jobs <- sig:
		return true
	default:
		return false
	}
}

func (s *Signals) emitFailure(sig FailureSignal) {
	select {
	case s.failures <- sig:
	default:
		s.log.WithField("job", sig.JobID).Debug("failure signal dropped, consumer lagging")
	}
}

func (s *Signals) emitData(chunk []byte) {
	select {
	case s.data <- chunk:
	default:
	}
}
