package router

import (
	"log/slog"
	"sync/atomic"

	"github.com/harunnryd/sotto/pkg/arbiter"
	"github.com/harunnryd/sotto/pkg/frames"
)

// Outbound is the chunk sink the router feeds; satisfied by the chunker
// sender.
type Outbound interface {
	EnqueueFrame(channel frames.Channel, pcm []byte)
}

type Stats struct {
	Query   int64
	Context int64
	Dropped int64
}

// Router classifies each captured frame by the currently active logical
// channel. Exactly one arbitration snapshot is read per frame; the decision
// never mixes flags from two different states, so a frame can never be
// attributed to the wrong channel or to both.
type Router struct {
	arb *arbiter.Arbiter
	out Outbound
	log *slog.Logger

	query   int64
	context int64
	dropped int64
}

func New(arb *arbiter.Arbiter, out Outbound, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{arb: arb, out: out, log: log}
}

// OnFrame routes one captured frame. Runs inside the capture worker and
// must not block beyond the non-blocking queue push.
func (r *Router) OnFrame(f frames.AudioFrame) {
	snap := r.arb.Snapshot()
	switch {
	case snap.QueryActive:
		r.out.EnqueueFrame(frames.ChannelQuery, f.RawPayload())
		atomic.AddInt64(&r.query, 1)
	case snap.ContextActive && !snap.ContextPaused:
		r.out.EnqueueFrame(frames.ChannelContext, f.RawPayload())
		atomic.AddInt64(&r.context, 1)
	default:
		// No channel wants it: idle capture tail or paused context.
		atomic.AddInt64(&r.dropped, 1)
	}
	frames.ReleaseAudioFrame(f)
}

func (r *Router) Stats() Stats {
	return Stats{
		Query:   atomic.LoadInt64(&r.query),
		Context: atomic.LoadInt64(&r.context),
		Dropped: atomic.LoadInt64(&r.dropped),
	}
}
