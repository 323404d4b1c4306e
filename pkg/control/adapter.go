package control

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sotto/pkg/arbiter"
	"github.com/harunnryd/sotto/pkg/frames"
)

type EventKind int

const (
	Press EventKind = iota
	Release
)

// Event is one discrete physical input: a named control pressed or
// released.
type Event struct {
	Control string
	Kind    EventKind
	At      time.Time
}

// Mode defines what arbitration requests a control's events translate to.
type Mode string

const (
	// ModeQueryHold maps press to StartQuery and release to StopQuery.
	ModeQueryHold Mode = "query_hold"
	// ModeQueryToggle flips the query on each press; used by inputs that
	// deliver no release events (terminal keyboards, single-button rigs).
	ModeQueryToggle Mode = "query_toggle"
	// ModeContextToggle flips ambient context streaming on each press.
	ModeContextToggle Mode = "context_toggle"
)

// Adapter translates control events and remote stream signals into
// arbitration requests. A single dispatcher goroutine consumes a bounded
// event queue, so rapid repeated presses are handled in arrival order and
// no input callback ever spawns work of its own.
type Adapter struct {
	arb      *arbiter.Arbiter
	bindings map[string]Mode
	events   chan Event
	log      *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewAdapter(arb *arbiter.Arbiter, bindings map[string]Mode, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	b := make(map[string]Mode, len(bindings))
	for k, v := range bindings {
		b[k] = v
	}
	return &Adapter{
		arb:      arb,
		bindings: b,
		events:   make(chan Event, 64),
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Offer enqueues an event without blocking; a full queue drops the event
// with a warning rather than stalling the input callback.
func (a *Adapter) Offer(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case a.events <- ev:
		return true
	default:
		a.log.Warn("control_event_dropped", "control", ev.Control)
		return false
	}
}

// HandleMarker feeds remote reply-stream signals into the arbiter.
func (a *Adapter) HandleMarker(channel frames.Channel, code frames.ControlCode) {
	if channel != frames.ChannelReply {
		return
	}
	switch code {
	case frames.ControlStreamComplete:
		_ = a.arb.ReplyStreamComplete()
	case frames.ControlAbruptStop:
		_ = a.arb.RemoteStop()
	}
}

func (a *Adapter) Start() {
	a.startOnce.Do(func() {
		go a.loop()
	})
}

func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	<-a.done
}

func (a *Adapter) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case ev := <-a.events:
			a.dispatch(ev)
		}
	}
}

func (a *Adapter) dispatch(ev Event) {
	mode, ok := a.bindings[ev.Control]
	if !ok {
		a.log.Debug("control_unbound", "control", ev.Control)
		return
	}
	switch mode {
	case ModeQueryHold:
		if ev.Kind == Press {
			_ = a.arb.StartQuery()
		} else {
			_ = a.arb.StopQuery()
		}
	case ModeQueryToggle:
		if ev.Kind != Press {
			return
		}
		if a.arb.Snapshot().QueryActive {
			_ = a.arb.StopQuery()
		} else {
			_ = a.arb.StartQuery()
		}
	case ModeContextToggle:
		if ev.Kind != Press {
			return
		}
		_ = a.arb.ToggleContext()
	default:
		a.log.Warn("control_unknown_mode", "control", ev.Control, "mode", string(mode))
	}
}
