// Package connstate derives a coarse master-agent connection status from the
// asynchronous notifications the AgentX session layer emits.
//
// The AgentX session's connection-establishment call is fire-and-forget: it
// does not itself return success or failure, and the only observable signal
// is the stream of log lines and lifecycle events the session produces while
// it connects, serves and reconnects. This package consumes that stream and
// maintains a small state machine, which lets the agent convert "start the
// session" into a synchronous success/failure result and gate object
// registration on connection state.
//
// Basic Usage:
//
//	tracker := connstate.NewTracker("/var/run/agentx/master")
//
//	// Feed the tracker from the session's notification callback.
//	session.OnNotify(tracker.HandleNotification)
//
//	// Convert the fire-and-forget session start into a synchronous result.
//	if err := tracker.ConnectAndWait(session.Start); err != nil {
//		log.Fatal(err) // *connstate.ConnectionError
//	}
//
// State machine:
//
//	Registration --start--> FirstConnect --success--> Connected
//	                              |                       |
//	                           failure              disconnect/index-stop
//	                              v                       v
//	                        ConnectFailed           Reconnecting --success--> Connected
//
// ConnectFailed is terminal and reachable only from FirstConnect: a failure
// while Reconnecting never enters it, distinguishing "never connected,
// likely misconfigured" from "was connected, transient network blip".
package connstate

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Status is the tracker's view of the master-agent connection.
type Status int32

const (
	// StatusRegistration is the initial state. New object registrations are
	// accepted only while the tracker is in this state.
	StatusRegistration Status = iota

	// StatusFirstConnect means the first connection attempt is in progress.
	StatusFirstConnect

	// StatusConnectFailed means the first connection attempt failed. This
	// state is terminal.
	StatusConnectFailed

	// StatusConnected means the AgentX session is established.
	StatusConnected

	// StatusReconnecting means an established session was lost and the
	// session layer is retrying autonomously.
	StatusReconnecting
)

// String returns the status name as used in log output.
func (s Status) String() string {
	switch s {
	case StatusRegistration:
		return "registration"
	case StatusFirstConnect:
		return "first-connect"
	case StatusConnectFailed:
		return "connect-failed"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Category classifies a notification delivered to HandleNotification.
type Category int

const (
	// CategoryInfo carries informational log text.
	CategoryInfo Category = iota

	// CategoryWarning carries warning log text.
	CategoryWarning

	// CategoryError carries error log text.
	CategoryError

	// CategoryIndexStop is the lifecycle event the session layer raises when
	// the master closes an established session. It carries no text and has
	// the same effect as a disconnect log line.
	CategoryIndexStop
)

// ConnectionError reports that the first connection attempt to the master
// agent failed. It carries the configured transport endpoint so the message
// points at the likely misconfiguration.
type ConnectionError struct {
	// Endpoint is the configured master transport endpoint, e.g.
	// "/var/run/agentx/master" or "localhost:705".
	Endpoint string

	// Cause is the error the connection initiation returned, when it
	// failed synchronously. Nil when the failure was only signalled
	// through the notification stream.
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("could not connect to master agent at %q: %v", e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("could not connect to master agent at %q", e.Endpoint)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Phrases the session layer emits for connection lifecycle events. The
// wording follows net-snmp's agent library so the tracker also works when
// fed from a log stream produced by a native master-agent runtime.
const (
	phraseConnected    = "AgentX subagent connected"
	phraseDisconnected = "AgentX master disconnected us"
	phraseRegisterFail = "Failed to register the agentx master agent"
	phraseConnectFail  = "Failed to connect to the agentx master agent"
)

// Tracker infers the connection status from session notifications.
//
// The status is stored atomically: it is written only from the session's
// notification dispatch (single writer) and may be read concurrently by any
// goroutine through Current.
type Tracker struct {
	status   atomic.Int32
	endpoint string
}

// NewTracker returns a tracker in StatusRegistration. The endpoint string is
// used only for the ConnectionError message.
func NewTracker(endpoint string) *Tracker {
	t := &Tracker{endpoint: endpoint}
	t.status.Store(int32(StatusRegistration))
	return t
}

// Current returns the tracker's current status. Safe for concurrent use.
func (t *Tracker) Current() Status {
	return Status(t.status.Load())
}

// Endpoint returns the configured master transport endpoint.
func (t *Tracker) Endpoint() string {
	return t.endpoint
}

// HandleNotification updates the status from one session notification. It is
// meant to be installed as the session's notification callback and must only
// be invoked from that single dispatch context.
//
// Text that matches none of the known phrases leaves the status unchanged;
// the caller remains responsible for forwarding the text to its log sink.
// HandleNotification never fails.
func (t *Tracker) HandleNotification(category Category, text string) {
	cur := t.Current()

	if category == CategoryIndexStop {
		// Same meaning as a disconnect line, delivered through the
		// lifecycle channel instead of the log stream.
		if cur == StatusConnected {
			t.status.Store(int32(StatusReconnecting))
		}
		return
	}

	switch {
	case strings.Contains(text, phraseConnected):
		if cur == StatusFirstConnect || cur == StatusReconnecting {
			t.status.Store(int32(StatusConnected))
		}
	case strings.Contains(text, phraseDisconnected):
		if cur == StatusConnected {
			t.status.Store(int32(StatusReconnecting))
		}
	case strings.Contains(text, phraseRegisterFail),
		strings.Contains(text, phraseConnectFail):
		// Only a first attempt can fail terminally. A failure while
		// reconnecting is absorbed; the session layer keeps retrying.
		if cur == StatusFirstConnect {
			t.status.Store(int32(StatusConnectFailed))
		}
	}
}

// ConnectAndWait turns the fire-and-forget connection initiation into a
// synchronous result. It moves the tracker to StatusFirstConnect, invokes
// initiate (which triggers zero or more notifications during its synchronous
// portion) and then inspects the status:
//
//   - StatusConnectFailed: returns a *ConnectionError naming the endpoint.
//   - anything else: returns nil. A status still at StatusFirstConnect is
//     success too; the session layer keeps connecting in the background and
//     the absence of a failure signal is not itself a failure.
//
// An error returned by initiate itself is reported as a ConnectionError as
// well, since it means the synchronous part of connection setup broke.
func (t *Tracker) ConnectAndWait(initiate func() error) error {
	t.status.Store(int32(StatusFirstConnect))

	if err := initiate(); err != nil {
		t.status.Store(int32(StatusConnectFailed))
		return &ConnectionError{Endpoint: t.endpoint, Cause: err}
	}

	if t.Current() == StatusConnectFailed {
		return &ConnectionError{Endpoint: t.endpoint}
	}
	return nil
}
