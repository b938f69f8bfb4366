// Package mode resolves a declared endpoint archetype into the immutable
// capability set that governs what the endpoint may do on the wire.
package mode

import "strings"

// Archetype is the declared role of an endpoint on its queue.
type Archetype string

const (
	ArchetypeSubscribe Archetype = "SUBSCRIBE"
	ArchetypePull      Archetype = "PULL"
	ArchetypeReply     Archetype = "REPLY"
	ArchetypeWorker    Archetype = "WORKER"
	ArchetypePublish   Archetype = "PUBLISH"
	ArchetypePush      Archetype = "PUSH"
	ArchetypeRequest   Archetype = "REQUEST"
)

// Capability is a bit flag describing a single wire-level permission.
type Capability uint8

const (
	// CanRead permits consuming inbound payloads from the queue.
	CanRead Capability = 1 << iota
	// CanWrite permits sending payloads downstream.
	CanWrite
	// CanAck permits positive or negative acknowledgment of a consumed message.
	CanAck
)

// Mode is a capability set computed once at construction and never mutated.
type Mode struct {
	archetype Archetype
	caps      Capability
}

var archetypeCaps = map[Archetype]Capability{
	ArchetypeSubscribe: CanRead,
	ArchetypePull:      CanRead,
	ArchetypeWorker:    CanRead | CanAck,
	ArchetypeReply:     CanRead | CanWrite,
	ArchetypeRequest:   CanRead | CanWrite,
	ArchetypePublish:   CanWrite,
	ArchetypePush:      CanWrite,
}

// Resolve maps an archetype string, case-insensitively, to its Mode.
// Unknown archetypes yield a degenerate Mode holding no capabilities:
// it receives nothing and can neither reply nor acknowledge.
func Resolve(archetype string) Mode {
	a := Archetype(strings.ToUpper(strings.TrimSpace(archetype)))
	return Mode{archetype: a, caps: archetypeCaps[a]}
}

// Known reports whether the archetype string names one of the declared roles.
func Known(archetype string) bool {
	a := Archetype(strings.ToUpper(strings.TrimSpace(archetype)))
	_, ok := archetypeCaps[a]
	return ok
}

// Archetype returns the normalized archetype this mode was resolved from.
func (m Mode) Archetype() Archetype {
	return m.archetype
}

// CanRead reports whether the endpoint consumes inbound payloads.
func (m Mode) CanRead() bool {
	return m.caps&CanRead != 0
}

// CanWrite reports whether the endpoint sends payloads downstream.
func (m Mode) CanWrite() bool {
	return m.caps&CanWrite != 0
}

// CanAck reports whether the endpoint acknowledges consumed messages.
func (m Mode) CanAck() bool {
	return m.caps&CanAck != 0
}

func (m Mode) String() string {
	if m.caps == 0 {
		return string(m.archetype) + "[]"
	}

	var flags []string
	if m.CanRead() {
		flags = append(flags, "read")
	}
	if m.CanWrite() {
		flags = append(flags, "write")
	}
	if m.CanAck() {
		flags = append(flags, "ack")
	}
	return string(m.archetype) + "[" + strings.Join(flags, ",") + "]"
}
