package frames

import (
	"sync"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

// Channel tags the logical stream a frame or chunk belongs to. Query and
// context are outbound capture streams; reply is the inbound playback stream.
type Channel string

const (
	ChannelQuery   Channel = "query"
	ChannelContext Channel = "context"
	ChannelReply   Channel = "reply"
)

type ControlCode string

const (
	// ControlStreamComplete marks the end of a logical stream. It is always
	// sent after the last data chunk for the channel, never inferred from a
	// timeout.
	ControlStreamComplete ControlCode = "stream_complete"
	// ControlAbruptStop asks the peer to stop the channel's stream
	// immediately, discarding whatever is buffered.
	ControlAbruptStop ControlCode = "abrupt_stop"
)

const (
	MetaStreamID = "stream_id"
	MetaSource   = "source"
)

type Frame interface {
	Kind() Kind
	Channel() Channel
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries raw PCM (s16le) for one channel. Immutable once built;
// ownership passes from the producer to exactly one consumer queue.
type AudioFrame struct {
	pts     int64
	data    []byte
	rate    int
	ch      int
	channel Channel
	meta    map[string]string
	pooled  bool
}

func NewAudioFrame(channel Channel, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:     pts,
		data:    data,
		rate:    rate,
		ch:      ch,
		channel: channel,
		meta:    cloneMeta(meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Used on the capture
// path where a fresh allocation per device callback would churn the GC.
func NewAudioFrameFromPool(channel Channel, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:     pts,
		data:    buf,
		rate:    rate,
		ch:      ch,
		channel: channel,
		meta:    cloneMeta(meta),
		pooled:  true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) Channel() Channel        { return a.channel }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// ControlFrame carries an end-of-stream or abrupt-stop marker for a channel.
type ControlFrame struct {
	pts     int64
	code    ControlCode
	channel Channel
	meta    map[string]string
}

func NewControlFrame(channel Channel, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:     pts,
		code:    code,
		channel: channel,
		meta:    cloneMeta(meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) Channel() Channel        { return c.channel }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// SystemFrame carries transport lifecycle notifications (connected,
// disconnected) to whoever consumes the transport's receive channel.
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(name string, pts int64, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: cloneMeta(meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) Channel() Channel        { return "" }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// PTSGen hands out monotonically increasing presentation timestamps per
// channel so frame order within a channel is always reconstructable.
type PTSGen struct {
	mu    sync.Mutex
	value map[Channel]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[Channel]int64)}
}

func (g *PTSGen) Next(channel Channel) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[channel] + 1
	g.value[channel] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
