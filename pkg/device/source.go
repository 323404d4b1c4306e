package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/sotto/pkg/errorsx"
	"github.com/harunnryd/sotto/pkg/frames"
)

// FrameHandler consumes captured frames synchronously inside the capture
// worker; it must not block on network I/O.
type FrameHandler interface {
	OnFrame(f frames.AudioFrame)
}

// Source wraps the capture device with an arm/disarm lifecycle. While
// armed, a dedicated worker reads fixed-size frames and hands each one to
// the handler. Arming an armed source is a no-op, which is what lets the
// arbiter re-arm on every transition that needs capture without reopening
// the device.
type Source struct {
	cfg         StreamConfig
	dev         Capture
	handler     FrameHandler
	log         *slog.Logger
	joinTimeout time.Duration
	pts         *frames.PTSGen

	mu    sync.Mutex
	armed bool
	stop  chan struct{}
	done  chan struct{}
}

func NewSource(cfg StreamConfig, dev Capture, handler FrameHandler, log *slog.Logger, joinTimeout time.Duration) *Source {
	if log == nil {
		log = slog.Default()
	}
	if joinTimeout <= 0 {
		joinTimeout = 500 * time.Millisecond
	}
	return &Source{
		cfg:         cfg.WithDefaults(),
		dev:         dev,
		handler:     handler,
		log:         log,
		joinTimeout: joinTimeout,
		pts:         frames.NewPTSGen(),
	}
}

// Arm opens the capture device and starts the worker. Open failure is
// non-fatal to the process: the source stays disarmed and the caller's next
// arm attempt retries.
func (s *Source) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return nil
	}
	if err := s.dev.Open(s.cfg); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.armed = true
	go s.run(s.stop, s.done, uuid.NewString())
	s.log.Info("capture_armed", "sample_rate", s.cfg.SampleRate, "frame_size", s.cfg.FrameSize)
	return nil
}

// Disarm stops the worker, joining it within the bounded timeout, and
// closes the device. On join timeout the device is force-closed and the
// condition is logged, never raised: disarm always completes.
func (s *Source) Disarm() {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(s.joinTimeout):
		s.log.Warn("capture_join_timeout", "timeout", s.joinTimeout)
	}
	if err := s.dev.Close(); err != nil {
		s.log.Warn("capture_close_failed", "error", err)
	}
	s.log.Info("capture_disarmed")
}

// Armed reports the lifecycle state.
func (s *Source) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Source) run(stop, done chan struct{}, streamID string) {
	defer close(done)
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "capture",
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		pcm, err := s.dev.ReadFrame()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.log.Warn("capture_read_failed", "error", errorsx.Wrap(err, errorsx.ReasonDeviceRead))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		f := frames.NewAudioFrameFromPool("", s.pts.Next(""), pcm, s.cfg.SampleRate, s.cfg.Channels, meta)
		s.handler.OnFrame(f)
	}
}
