package arbiter

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/sotto/pkg/frames"
)

// Effects is the boundary through which transitions touch the outside
// world: device arming, playback teardown, marker emission. Implementations
// must tolerate redundant calls; the arbiter only invokes them on net state
// changes.
type Effects interface {
	ArmCapture() error
	DisarmCapture()
	StopPlayback()
	EmitMarker(channel frames.Channel, code frames.ControlCode)
}

type NoopEffects struct{}

func (NoopEffects) ArmCapture() error                             { return nil }
func (NoopEffects) DisarmCapture()                                {}
func (NoopEffects) StopPlayback()                                 {}
func (NoopEffects) EmitMarker(frames.Channel, frames.ControlCode) {}

// StateChange represents a state transition event.
type StateChange struct {
	Event Event
	From  Snapshot
	To    Snapshot
	Time  time.Time
}

// StateListener observes arbitration state changes. Listeners run inside
// the transition and must not block or call back into the arbiter.
type StateListener interface {
	OnStateChange(event StateChange)
}

// Arbiter owns the arbitration record. Transitions are serialized by one
// mutex that also covers effect execution, so a transition's side effects
// are visible before it returns. The current snapshot is published through
// an atomic pointer: readers on the capture path take one torn-free
// snapshot per frame without ever waiting on a transition in progress.
type Arbiter struct {
	mu        sync.Mutex
	cur       atomic.Pointer[Snapshot]
	effects   Effects
	listeners []StateListener
	log       *slog.Logger
}

func New(effects Effects, log *slog.Logger) *Arbiter {
	if effects == nil {
		effects = NoopEffects{}
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Arbiter{effects: effects, log: log}
	a.cur.Store(&Snapshot{})
	return a
}

// Snapshot returns the current arbitration record as a single value.
func (a *Arbiter) Snapshot() Snapshot {
	return *a.cur.Load()
}

// State returns the current composite state.
func (a *Arbiter) State() State {
	return a.Snapshot().State()
}

// AddListener registers a listener for state change events.
func (a *Arbiter) AddListener(listener StateListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, listener)
}

// StartQuery begins a foreground query stream. Playback is suppressed
// first, any in-flight reply is stopped abruptly, context capture is
// paused, and the capture device is armed if nothing held it yet.
func (a *Arbiter) StartQuery() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := *a.cur.Load()
	if cur.QueryActive {
		a.conflict(EventStartQuery, cur)
		return nil
	}

	next := cur
	next.PlaybackEnabled = false
	if next.ContextActive {
		next.ContextPaused = true
	}
	next.QueryActive = true
	a.publish(EventStartQuery, cur, next)

	if cur.PlaybackEnabled {
		a.effects.StopPlayback()
		a.effects.EmitMarker(frames.ChannelReply, frames.ControlAbruptStop)
	}
	a.armIfNeeded(cur, next)
	return nil
}

// StopQuery ends the query stream: the completion marker is queued behind
// the last chunk, paused context resumes, and playback is re-enabled so the
// incoming reply may play.
func (a *Arbiter) StopQuery() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := *a.cur.Load()
	if !cur.QueryActive {
		a.conflict(EventStopQuery, cur)
		return nil
	}

	next := cur
	next.QueryActive = false
	if next.ContextActive {
		next.ContextPaused = false
	}
	next.PlaybackEnabled = true
	a.publish(EventStopQuery, cur, next)

	a.effects.EmitMarker(frames.ChannelQuery, frames.ControlStreamComplete)
	a.armIfNeeded(cur, next)
	a.disarmIfIdle(cur, next)
	return nil
}

// SetContext turns ambient context streaming on or off. Redundant requests
// are no-ops: no device churn on repeated toggles into the same state.
func (a *Arbiter) SetContext(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setContextLocked(on)
}

// ToggleContext flips context streaming, atomically with respect to other
// transitions.
func (a *Arbiter) ToggleContext() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setContextLocked(!a.cur.Load().ContextActive)
}

func (a *Arbiter) setContextLocked(on bool) error {
	cur := *a.cur.Load()
	if on == cur.ContextActive {
		event := EventContextOff
		if on {
			event = EventContextOn
		}
		a.conflict(event, cur)
		return nil
	}

	next := cur
	if on {
		next.ContextActive = true
		next.ContextPaused = cur.QueryActive
		a.publish(EventContextOn, cur, next)
		a.armIfNeeded(cur, next)
		return nil
	}

	next.ContextActive = false
	next.ContextPaused = false
	a.publish(EventContextOff, cur, next)
	a.effects.EmitMarker(frames.ChannelContext, frames.ControlStreamComplete)
	a.disarmIfIdle(cur, next)
	return nil
}

// ReplyStreamComplete handles the remote end-of-reply signal. If context
// was left paused it resumes; StopQuery usually resumed it already, so this
// is an idempotent safety net.
func (a *Arbiter) ReplyStreamComplete() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := *a.cur.Load()
	if !cur.PlaybackEnabled {
		a.conflict(EventReplyComplete, cur)
		return nil
	}
	if !cur.ContextActive || cur.QueryActive || !cur.ContextPaused {
		return nil
	}

	next := cur
	next.ContextPaused = false
	a.publish(EventReplyComplete, cur, next)
	return nil
}

// RemoteStop aborts in-flight playback immediately. Recording flags are
// untouched and the sink stays armed for the next reply.
func (a *Arbiter) RemoteStop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Debug("arbiter_remote_stop")
	a.effects.StopPlayback()
	return nil
}

// publish stores the new snapshot and notifies listeners. Called with the
// transition mutex held: the store happens before any effect runs, so a
// reader can never see stale flags while effects are in flight.
func (a *Arbiter) publish(event Event, from, to Snapshot) {
	snap := to
	a.cur.Store(&snap)
	change := StateChange{Event: event, From: from, To: to, Time: time.Now()}
	for _, l := range a.listeners {
		l.OnStateChange(change)
	}
	a.log.Debug("arbiter_transition",
		"event", string(event),
		"from", from.State().String(),
		"to", to.State().String(),
	)
}

// armIfNeeded arms the capture device whenever the new state needs it.
// Arm is idempotent at the source, so a device already held by another
// channel is not reopened; a previously failed open gets retried here.
func (a *Arbiter) armIfNeeded(cur, next Snapshot) {
	if !next.NeedsCapture() {
		return
	}
	if err := a.effects.ArmCapture(); err != nil {
		a.log.Warn("capture_arm_failed", "error", err)
	}
}

func (a *Arbiter) disarmIfIdle(cur, next Snapshot) {
	if cur.NeedsCapture() && !next.NeedsCapture() {
		a.effects.DisarmCapture()
	}
}

func (a *Arbiter) conflict(event Event, cur Snapshot) {
	a.log.Debug("arbiter_state_conflict",
		"event", string(event),
		"state", cur.State().String(),
	)
}
