package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sotto/pkg/errorsx"
	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/queue"
)

// Sink wraps the playback device. While armed, a dedicated worker pulls
// frames from the inbound queue with a timed pop and writes them out. While
// playback is disabled the worker actively drains the queue instead of
// pausing, so stale reply audio can never play after the flag flips back.
type Sink struct {
	cfg         StreamConfig
	dev         Playback
	q           *queue.Frames
	enabled     func() bool
	log         *slog.Logger
	poll        time.Duration
	joinTimeout time.Duration

	mu    sync.Mutex
	armed bool
	stop  chan struct{}
	done  chan struct{}
}

func NewSink(cfg StreamConfig, dev Playback, q *queue.Frames, enabled func() bool, log *slog.Logger, poll, joinTimeout time.Duration) *Sink {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if log == nil {
		log = slog.Default()
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if joinTimeout <= 0 {
		joinTimeout = 500 * time.Millisecond
	}
	return &Sink{
		cfg:         cfg.WithDefaults(),
		dev:         dev,
		q:           q,
		enabled:     enabled,
		log:         log,
		poll:        poll,
		joinTimeout: joinTimeout,
	}
}

func (k *Sink) Arm() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.armed {
		return nil
	}
	if err := k.dev.Open(k.cfg); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	k.stop = make(chan struct{})
	k.done = make(chan struct{})
	k.armed = true
	go k.run(k.stop, k.done)
	k.log.Info("playback_armed", "sample_rate", k.cfg.SampleRate, "frame_size", k.cfg.FrameSize)
	return nil
}

// Disarm stops the worker within the join timeout; on expiry the device
// handle is force-closed and the error logged, since shutdown must always
// complete.
func (k *Sink) Disarm() {
	k.mu.Lock()
	if !k.armed {
		k.mu.Unlock()
		return
	}
	k.armed = false
	close(k.stop)
	done := k.done
	k.mu.Unlock()

	select {
	case <-done:
	case <-time.After(k.joinTimeout):
		k.log.Warn("playback_join_timeout", "timeout", k.joinTimeout)
	}
	if err := k.dev.Close(); err != nil {
		k.log.Warn("playback_close_failed", "error", err)
	}
	k.log.Info("playback_disarmed")
}

func (k *Sink) Armed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.armed
}

func (k *Sink) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !k.enabled() {
			if n := k.q.Drain(); n > 0 {
				k.log.Debug("stale_reply_discarded", "frames", n)
			}
			select {
			case <-stop:
				return
			case <-time.After(k.poll):
			}
			continue
		}
		f, ok := k.q.PopWait(k.poll)
		if !ok {
			continue
		}
		if err := k.dev.WriteFrame(f.RawPayload()); err != nil {
			k.log.Warn("playback_write_failed", "error", errorsx.Wrap(err, errorsx.ReasonDeviceWrite))
		}
		frames.ReleaseAudioFrame(f)
	}
}
