package chunker

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/queue"
)

type AssemblerConfig struct {
	// FrameBytes is the fixed playback frame length in bytes
	// (frame_size samples * channels * 2 for s16le).
	FrameBytes int
	SampleRate int
	Channels   int
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.FrameBytes <= 0 {
		c.FrameBytes = 2048
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Assembler reassembles the inbound reply stream: chunks accumulate until
// the explicit stream-complete marker, then decode into fixed-length
// playable frames on the inbound queue. Completion is never inferred from a
// timeout.
type Assembler struct {
	cfg     AssemblerConfig
	enabled func() bool
	out     *queue.Frames
	pts     *frames.PTSGen
	log     *slog.Logger

	mu        sync.Mutex
	buf       []byte
	discarded int64
}

// NewAssembler builds an assembler. enabled is sampled per chunk; it should
// read the arbitration snapshot's playback flag.
func NewAssembler(cfg AssemblerConfig, enabled func() bool, out *queue.Frames, log *slog.Logger) *Assembler {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		cfg:     cfg.withDefaults(),
		enabled: enabled,
		out:     out,
		pts:     frames.NewPTSGen(),
		log:     log,
	}
}

// HandleChunk accumulates one reply chunk. Chunks that arrive while
// playback is disabled are valid protocol (they can race a transition) but
// are silently discarded to bound memory.
func (a *Assembler) HandleChunk(data []byte) {
	if !a.enabled() {
		atomic.AddInt64(&a.discarded, 1)
		return
	}
	a.mu.Lock()
	a.buf = append(a.buf, data...)
	a.mu.Unlock()
}

// HandleMarker reacts to reply-stream markers: complete flushes the
// accumulation into playable frames, abrupt stop throws it away.
func (a *Assembler) HandleMarker(code frames.ControlCode) {
	switch code {
	case frames.ControlStreamComplete:
		a.flush()
	case frames.ControlAbruptStop:
		a.Abort()
	}
}

func (a *Assembler) flush() {
	a.mu.Lock()
	buf := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(buf) == 0 {
		return
	}

	n := 0
	for off := 0; off < len(buf); off += a.cfg.FrameBytes {
		end := off + a.cfg.FrameBytes
		frame := make([]byte, a.cfg.FrameBytes)
		if end > len(buf) {
			// Last partial frame is zero-padded to keep the sink's frame
			// length fixed.
			copy(frame, buf[off:])
		} else {
			copy(frame, buf[off:end])
		}
		f := frames.NewAudioFrame(
			frames.ChannelReply,
			a.pts.Next(frames.ChannelReply),
			frame,
			a.cfg.SampleRate,
			a.cfg.Channels,
			nil,
		)
		a.out.TryPush(f)
		n++
	}
	a.log.Debug("reply_stream_assembled", "frames", n, "bytes", len(buf))
}

// Abort discards the partial accumulation and everything queued for
// playback. Called on abrupt stop and whenever a new query supersedes a
// stale reply.
func (a *Assembler) Abort() {
	a.mu.Lock()
	a.buf = nil
	a.mu.Unlock()
	if n := a.out.Drain(); n > 0 {
		a.log.Debug("reply_stream_flushed", "frames", n)
	}
}

// Discarded reports chunks dropped while playback was disabled.
func (a *Assembler) Discarded() int64 {
	return atomic.LoadInt64(&a.discarded)
}

// Pending reports the size of the unflushed accumulation.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
