package device

import (
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/harunnryd/sotto/pkg/errorsx"
)

var errNotOpen = errors.New("device not open")

// PortAudioCapture reads fixed-size PCM frames from the default input
// device via blocking stream reads.
type PortAudioCapture struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

func NewPortAudioCapture() *PortAudioCapture { return &PortAudioCapture{} }

func (c *PortAudioCapture) Open(cfg StreamConfig) error {
	cfg = cfg.WithDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	buf := make([]int16, cfg.FrameSize*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FrameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	c.stream = stream
	c.buf = buf
	return nil
}

func (c *PortAudioCapture) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	stream := c.stream
	buf := c.buf
	c.mu.Unlock()
	if stream == nil {
		return nil, errorsx.Wrap(errNotOpen, errorsx.ReasonDeviceRead)
	}
	if err := stream.Read(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonDeviceRead)
	}
	return int16ToBytes(buf), nil
}

func (c *PortAudioCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Stop()
	if closeErr := c.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	c.stream = nil
	c.buf = nil
	_ = portaudio.Terminate()
	return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
}

// PortAudioPlayback writes fixed-size PCM frames to the default output
// device.
type PortAudioPlayback struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

func NewPortAudioPlayback() *PortAudioPlayback { return &PortAudioPlayback{} }

func (p *PortAudioPlayback) Open(cfg StreamConfig) error {
	cfg = cfg.WithDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	buf := make([]int16, cfg.FrameSize*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.FrameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	p.stream = stream
	p.buf = buf
	return nil
}

func (p *PortAudioPlayback) WriteFrame(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return errorsx.Wrap(errNotOpen, errorsx.ReasonDeviceWrite)
	}
	bytesToInt16(pcm, p.buf)
	if err := p.stream.Write(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceWrite)
	}
	return nil
}

func (p *PortAudioPlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Stop()
	if closeErr := p.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	p.stream = nil
	p.buf = nil
	_ = portaudio.Terminate()
	return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
}

func int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, v := range in {
		// little-endian
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func bytesToInt16(in []byte, out []int16) {
	n := len(in) / 2
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = int16(in[2*i]) | int16(in[2*i+1])<<8
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}
