// Package lifecycle implements the endpoint's job-flow state machine: an
// explicit finite state set, a pure transition table, and a single-goroutine
// event loop that owns every transition and connection side effect.
package lifecycle

// State is one of the nine lifecycle states an endpoint moves through.
type State int

const (
	// StateInitializing is the construction state before connection setup begins.
	StateInitializing State = iota
	// StateConnecting indicates the connection has been initiated but not confirmed.
	StateConnecting
	// StateReady indicates the endpoint is idle and willing to accept a job.
	StateReady
	// StateWorking indicates exactly one job is in flight.
	StateWorking
	// StatePausing indicates a pause was requested while a job is in flight.
	StatePausing
	// StatePaused indicates inbound delivery is physically paused.
	StatePaused
	// StateStopping indicates shutdown was requested while a job is in flight.
	StateStopping
	// StateShutdown indicates connection teardown has been issued.
	StateShutdown
	// StateFinal is terminal: the connection is gone and the endpoint is dead.
	StateFinal
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateWorking:
		return "working"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateShutdown:
		return "shutdown"
	case StateFinal:
		return "final"
	default:
		return "unknown"
	}
}

// InFlight reports whether a job is outstanding in this state.
func (s State) InFlight() bool {
	return s == StateWorking || s == StatePausing || s == StateStopping
}

// EventKind identifies an external or internal machine event.
type EventKind int

const (
	// EventConnected reports the transport confirmed its connection.
	EventConnected EventKind = iota
	// EventReceive carries one decoded inbound payload.
	EventReceive
	// EventComplete reports the in-flight job finished, successfully or not.
	EventComplete
	// EventPause asks the endpoint to stop consuming.
	EventPause
	// EventResume asks a paused or pausing endpoint to consume again.
	EventResume
	// EventShutdown asks the endpoint to tear down.
	EventShutdown
	// EventClosed reports the transport finished closing.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReceive:
		return "receive"
	case EventComplete:
		return "complete"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventShutdown:
		return "shutdown"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one unit of machine input. Payload is only set for EventReceive.
type Event struct {
	Kind    EventKind
	Payload any
}

// transitions is the complete legal transition table. A (state, event) pair
// absent from the table is a rejected event, never an implicit self-loop.
var transitions = map[State]map[EventKind]State{
	StateConnecting: {
		EventConnected: StateReady,
	},
	StateReady: {
		EventPause:    StatePaused,
		EventReceive:  StateWorking,
		EventShutdown: StateShutdown,
	},
	StateWorking: {
		EventPause:    StatePausing,
		EventShutdown: StateStopping,
		EventComplete: StateReady,
	},
	StatePausing: {
		EventResume:   StateWorking,
		EventShutdown: StateStopping,
		EventComplete: StatePaused,
	},
	StatePaused: {
		EventResume:   StateReady,
		EventShutdown: StateShutdown,
	},
	StateStopping: {
		EventComplete: StateShutdown,
	},
	StateShutdown: {
		EventClosed: StateFinal,
	},
}

// Next resolves the transition table for one (state, event) pair. The second
// return is false when the event is not accepted in the given state.
func Next(s State, k EventKind) (State, bool) {
	row, ok := transitions[s]
	if !ok {
		return s, false
	}
	to, ok := row[k]
	return to, ok
}
