package arbiter

// Snapshot is the whole arbitration record. It is published atomically as
// one value: readers can never observe one flag from before a transition
// together with another flag from after it.
type Snapshot struct {
	QueryActive     bool
	ContextActive   bool
	ContextPaused   bool
	PlaybackEnabled bool
}

// NeedsCapture reports whether any logical channel wants the capture
// device. Paused context still counts: the device stays armed across a
// query so resuming context never reopens it.
func (s Snapshot) NeedsCapture() bool {
	return s.QueryActive || s.ContextActive
}

// State collapses the snapshot into its composite machine state.
func (s Snapshot) State() State {
	switch {
	case s.QueryActive && s.ContextActive:
		return StateQueryDuringContext
	case s.QueryActive:
		return StateQueryOnly
	case s.ContextActive:
		return StateContextOnly
	case s.PlaybackEnabled:
		return StatePlayback
	default:
		return StateIdle
	}
}

type State int

const (
	StateIdle State = iota
	StateQueryOnly
	StateContextOnly
	StateQueryDuringContext
	StatePlayback
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateQueryOnly:
		return "QUERY_ONLY"
	case StateContextOnly:
		return "CONTEXT_ONLY"
	case StateQueryDuringContext:
		return "QUERY_DURING_CONTEXT"
	case StatePlayback:
		return "PLAYBACK"
	default:
		return "UNKNOWN"
	}
}

type Event string

const (
	EventStartQuery    Event = "start_query"
	EventStopQuery     Event = "stop_query"
	EventContextOn     Event = "context_on"
	EventContextOff    Event = "context_off"
	EventReplyComplete Event = "reply_complete"
	EventRemoteStop    Event = "remote_stop"
)
