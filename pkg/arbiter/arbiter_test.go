package arbiter

import (
	"sync"
	"testing"

	"github.com/harunnryd/sotto/pkg/frames"
)

type captureEffects struct {
	mu            sync.Mutex
	arms          int
	opens         int
	disarms       int
	playbackStops int
	markers       []string
	armed         bool
	armErr        error
}

func (c *captureEffects) ArmCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arms++
	if c.armErr != nil {
		return c.armErr
	}
	if !c.armed {
		c.armed = true
		c.opens++
	}
	return nil
}

func (c *captureEffects) DisarmCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarms++
	c.armed = false
}

func (c *captureEffects) StopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbackStops++
}

func (c *captureEffects) EmitMarker(ch frames.Channel, code frames.ControlCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = append(c.markers, string(ch)+":"+string(code))
}

func checkInvariants(t *testing.T, s Snapshot) {
	t.Helper()
	if s.ContextPaused && !s.ContextActive {
		t.Fatalf("invariant violated: context_paused without context_active: %+v", s)
	}
	if s.QueryActive && s.PlaybackEnabled {
		t.Fatalf("invariant violated: playback enabled during query: %+v", s)
	}
}

func TestInvariantsHoldAcrossEventSequences(t *testing.T) {
	sequences := [][]func(a *Arbiter) error{
		{(*Arbiter).StartQuery, (*Arbiter).StopQuery},
		{(*Arbiter).ToggleContext, (*Arbiter).StartQuery, (*Arbiter).StopQuery},
		{(*Arbiter).StartQuery, (*Arbiter).ToggleContext, (*Arbiter).StopQuery, (*Arbiter).ToggleContext},
		{(*Arbiter).ToggleContext, (*Arbiter).ToggleContext, (*Arbiter).ToggleContext},
		{(*Arbiter).StartQuery, (*Arbiter).StartQuery, (*Arbiter).StopQuery, (*Arbiter).StopQuery},
		{(*Arbiter).StopQuery, (*Arbiter).ToggleContext, (*Arbiter).StartQuery, (*Arbiter).ToggleContext, (*Arbiter).StopQuery},
	}
	for i, seq := range sequences {
		a := New(&captureEffects{}, nil)
		for j, step := range seq {
			if err := step(a); err != nil {
				t.Fatalf("sequence %d step %d: %v", i, j, err)
			}
			checkInvariants(t, a.Snapshot())
		}
	}
}

func TestStartQueryDisablesPlaybackImmediately(t *testing.T) {
	for _, withContext := range []bool{false, true} {
		fx := &captureEffects{}
		a := New(fx, nil)
		if withContext {
			_ = a.SetContext(true)
		}
		_ = a.StartQuery()
		_ = a.StopQuery()
		if !a.Snapshot().PlaybackEnabled {
			t.Fatalf("expected playback enabled after StopQuery")
		}
		_ = a.StartQuery()
		if a.Snapshot().PlaybackEnabled {
			t.Fatalf("expected playback disabled immediately on StartQuery")
		}
	}
}

func TestStartQueryStopsInFlightPlayback(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)
	_ = a.StartQuery()
	_ = a.StopQuery() // playback now enabled, reply may be mid-stream
	_ = a.StartQuery()
	if fx.playbackStops != 1 {
		t.Fatalf("expected one playback stop, got %d", fx.playbackStops)
	}
	want := "reply:" + string(frames.ControlAbruptStop)
	found := false
	for _, m := range fx.markers {
		if m == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected abrupt stop marker for reply channel, got %v", fx.markers)
	}
}

func TestQueryDuringContextResumesWithoutDeviceChurn(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)

	_ = a.SetContext(true)
	if a.State() != StateContextOnly {
		t.Fatalf("expected CONTEXT_ONLY, got %s", a.State())
	}
	_ = a.StartQuery()
	s := a.Snapshot()
	if a.State() != StateQueryDuringContext || !s.ContextPaused {
		t.Fatalf("expected paused context during query, got %+v", s)
	}
	_ = a.StopQuery()
	s = a.Snapshot()
	if !s.ContextActive || s.ContextPaused {
		t.Fatalf("expected context resumed after query, got %+v", s)
	}
	if fx.opens != 1 {
		t.Fatalf("expected capture device opened once, got %d opens", fx.opens)
	}
	if fx.disarms != 0 {
		t.Fatalf("expected capture device armed throughout, got %d disarms", fx.disarms)
	}
}

func TestQueryCompleteMarkerEmitted(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)
	_ = a.StartQuery()
	_ = a.StopQuery()
	want := "query:" + string(frames.ControlStreamComplete)
	if len(fx.markers) != 1 || fx.markers[0] != want {
		t.Fatalf("expected %q, got %v", want, fx.markers)
	}
}

func TestContextToggleLifecycle(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)

	_ = a.ToggleContext()
	if !a.Snapshot().ContextActive {
		t.Fatalf("expected context active after toggle on")
	}
	_ = a.ToggleContext()
	s := a.Snapshot()
	if s.ContextActive || s.ContextPaused {
		t.Fatalf("expected context fully off after toggle off, got %+v", s)
	}
	want := "context:" + string(frames.ControlStreamComplete)
	if len(fx.markers) != 1 || fx.markers[0] != want {
		t.Fatalf("expected context complete marker, got %v", fx.markers)
	}
	if fx.opens != 1 || fx.disarms != 1 {
		t.Fatalf("expected one open/close pair, got opens=%d disarms=%d", fx.opens, fx.disarms)
	}
}

func TestRedundantContextRequestsAreNoOps(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)

	_ = a.SetContext(true)
	_ = a.SetContext(true)
	_ = a.SetContext(false)
	_ = a.SetContext(false)
	_ = a.SetContext(true)

	if fx.opens != 2 {
		t.Fatalf("expected one open per net on-transition, got %d", fx.opens)
	}
	if fx.disarms != 1 {
		t.Fatalf("expected one disarm per net off-transition, got %d", fx.disarms)
	}
}

func TestStopQueryWithoutQueryIsBenign(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)
	if err := a.StopQuery(); err != nil {
		t.Fatalf("state conflict must not surface: %v", err)
	}
	if len(fx.markers) != 0 || fx.disarms != 0 {
		t.Fatalf("conflict must have no side effects: %+v", fx)
	}
	if a.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", a.State())
	}
}

func TestQueryWinsCaptureOverContext(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)
	_ = a.StartQuery()
	_ = a.ToggleContext()
	s := a.Snapshot()
	if !s.ContextPaused {
		t.Fatalf("context turned on mid-query must start paused, got %+v", s)
	}
	_ = a.StopQuery()
	if a.Snapshot().ContextPaused {
		t.Fatalf("context must resume once the query ends")
	}
}

func TestReplyStreamCompleteResumesPausedContext(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)
	_ = a.SetContext(true)
	_ = a.StartQuery()

	// Reply completion while the query still runs must not resume context.
	_ = a.ReplyStreamComplete()
	if !a.Snapshot().ContextPaused {
		t.Fatalf("context must stay paused while query is active")
	}

	_ = a.StopQuery()
	_ = a.ReplyStreamComplete()
	s := a.Snapshot()
	if !s.ContextActive || s.ContextPaused {
		t.Fatalf("expected context running after reply complete, got %+v", s)
	}
}

func TestRemoteStopFlushesPlaybackOnly(t *testing.T) {
	fx := &captureEffects{}
	a := New(fx, nil)
	_ = a.SetContext(true)
	before := a.Snapshot()
	_ = a.RemoteStop()
	if fx.playbackStops != 1 {
		t.Fatalf("expected playback stop, got %d", fx.playbackStops)
	}
	if a.Snapshot() != before {
		t.Fatalf("remote stop must not touch recording flags")
	}
}

func TestArmFailureIsNonFatalAndRetried(t *testing.T) {
	fx := &captureEffects{armErr: assertErr{}}
	a := New(fx, nil)
	_ = a.SetContext(true)
	if !a.Snapshot().ContextActive {
		t.Fatalf("flags must stand even when the device fails to open")
	}

	fx.mu.Lock()
	fx.armErr = nil
	fx.mu.Unlock()
	_ = a.StartQuery()
	if !fx.armed {
		t.Fatalf("expected arm retried on the next transition")
	}
}

func TestListenersSeeEveryTransition(t *testing.T) {
	a := New(&captureEffects{}, nil)
	var mu sync.Mutex
	var events []Event
	a.AddListener(listenerFunc(func(ev StateChange) {
		mu.Lock()
		events = append(events, ev.Event)
		mu.Unlock()
	}))

	_ = a.SetContext(true)
	_ = a.StartQuery()
	_ = a.StopQuery()
	_ = a.SetContext(false)

	want := []Event{EventContextOn, EventStartQuery, EventStopQuery, EventContextOff}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestConcurrentTransitionsKeepInvariants(t *testing.T) {
	a := New(&captureEffects{}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = a.StartQuery()
			_ = a.StopQuery()
		}
	}()
	for i := 0; i < 200; i++ {
		_ = a.ToggleContext()
		checkInvariants(t, a.Snapshot())
	}
	<-done
	checkInvariants(t, a.Snapshot())
}

type listenerFunc func(StateChange)

func (f listenerFunc) OnStateChange(ev StateChange) { f(ev) }

type assertErr struct{}

func (assertErr) Error() string { return "device unavailable" }
