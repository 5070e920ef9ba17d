package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTargetNotFound is returned by Channel.Send when the target group or
// channel does not resolve on this identity's account.
var ErrTargetNotFound = errors.New("target not found")

// TargetKind distinguishes plain groups from broadcast channels.
// The distribution engine treats both the same; stats keep them apart.
type TargetKind string

const (
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Target names one outbound destination.
type Target struct {
	Name string
	Kind TargetKind
}

// Media describes an attachment travelling with a message.
// Fingerprinting uses MimeType and Size, never the bytes themselves,
// so Data may be nil for descriptors carried as metadata only.
type Media struct {
	MimeType string
	Size     int64
	Data     []byte
}

// Message is an inbound message as seen by the intake layer.
type Message struct {
	From      string
	GroupName string
	Text      string
	Media     *Media
}

type EventKind string

const (
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
	EventInbound      EventKind = "inbound"
)

// Event is pushed by a Channel implementation into the sink registered at
// identity creation. Connectivity events drive the pool's state machine;
// inbound events feed the intake layer.
type Event struct {
	Identity string
	Kind     EventKind
	Reason   string
	Message  *Message
	At       time.Time
}

// Sink receives events from a Channel. Implementations must not block.
type Sink func(Event)

// Channel is one independent outbound messaging identity.
//
// Connect starts the identity's session; readiness is signalled via the
// event sink, not the Connect return (pairing/session restore may complete
// long after Connect returns). Send must return ErrTargetNotFound when the
// target does not resolve; any other error is a plain transport failure.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Groups lists the groups and channels this identity can post to.
	Groups(ctx context.Context) ([]Target, error)

	Send(ctx context.Context, to Target, content string, media *Media) error

	// State probes live connectivity. Used by health checks to detect
	// identities whose cached Ready flag has gone stale.
	State(ctx context.Context) (connected bool, err error)
}

// Factory creates the Channel for one identity id, wiring the given sink.
// The pool owns the returned Channel exclusively.
type Factory func(id string, sink Sink) (Channel, error)
