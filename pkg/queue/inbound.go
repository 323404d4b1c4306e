package queue

import (
	"sync/atomic"
	"time"

	"github.com/harunnryd/sotto/pkg/frames"
)

// Frames is the bounded playback queue between the reply assembler and the
// frame sink. Pushes never block (drop-oldest on overflow) and pops are
// timed so the sink worker stays responsive to state changes.
type Frames struct {
	ch      chan frames.AudioFrame
	dropped int64
}

func NewFrames(capacity int) *Frames {
	if capacity <= 0 {
		capacity = 128
	}
	return &Frames{ch: make(chan frames.AudioFrame, capacity)}
}

// TryPush enqueues a frame, evicting the oldest one when full. Returns
// false if the frame could not be enqueued at all.
func (q *Frames) TryPush(f frames.AudioFrame) bool {
	for {
		select {
		case q.ch <- f:
			return true
		default:
		}
		select {
		case old := <-q.ch:
			frames.ReleaseAudioFrame(old)
			atomic.AddInt64(&q.dropped, 1)
		default:
		}
	}
}

// PopWait blocks up to timeout for the next frame.
func (q *Frames) PopWait(timeout time.Duration) (frames.AudioFrame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	case <-time.After(timeout):
		return frames.AudioFrame{}, false
	}
}

// Drain discards everything queued and returns how many frames went.
func (q *Frames) Drain() int {
	n := 0
	for {
		select {
		case f := <-q.ch:
			frames.ReleaseAudioFrame(f)
			n++
		default:
			return n
		}
	}
}

func (q *Frames) Len() int { return len(q.ch) }

func (q *Frames) Dropped() int64 { return atomic.LoadInt64(&q.dropped) }
