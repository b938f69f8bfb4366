package coyote

import (
	"sync/atomic"
	"time"

	"github.com/CalebMorris/coyote/lifecycle"
)

// Metrics tracks operational counters for an endpoint.
type Metrics struct {
	JobsReceived       *atomic.Int64 // Payloads accepted into dispatch
	JobsCompleted      *atomic.Int64 // Jobs completed, successfully or not
	JobsFailed         *atomic.Int64 // Jobs that completed with an error
	ProtocolViolations *atomic.Int64 // Receive events outside READY
	DecodeFailures     *atomic.Int64 // Inbound chunks that failed to decode
	LastActivity       *atomic.Int64 // Last activity timestamp in UnixNano
	ProcessingTime     *atomic.Int64 // Total handler time in nanoseconds
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsReceived:       &atomic.Int64{},
		JobsCompleted:      &atomic.Int64{},
		JobsFailed:         &atomic.Int64{},
		ProtocolViolations: &atomic.Int64{},
		DecodeFailures:     &atomic.Int64{},
		LastActivity:       &atomic.Int64{},
		ProcessingTime:     &atomic.Int64{},
	}
}

// IsIdle reports whether the endpoint is ready with no job outstanding.
func (m *Metrics) IsIdle(state lifecycle.State) bool {
	return !state.InFlight() && m.JobsReceived.Load() == m.JobsCompleted.Load()
}

// IdleTime returns the duration since last activity if the endpoint is idle.
func (m *Metrics) IdleTime(state lifecycle.State) time.Duration {
	if !m.IsIdle(state) {
		return 0
	}

	lastActivity := m.LastActivity.Load()
	if lastActivity == 0 {
		return 0
	}

	return time.Since(time.Unix(0, lastActivity))
}

// AverageProcessingTime returns the average time a job spent from receipt to
// completion.
func (m *Metrics) AverageProcessingTime() time.Duration {
	count := m.JobsCompleted.Load()
	if count == 0 {
		return 0
	}

	return time.Duration(m.ProcessingTime.Load() / count)
}

// closeJob updates counters after a job settles. Failures are counted where
// the failure signal fires.
func (m *Metrics) closeJob(startTime time.Time) {
	m.ProcessingTime.Add(time.Since(startTime).Nanoseconds())
	m.JobsCompleted.Add(1)
	m.LastActivity.Store(time.Now().UnixNano())
}
