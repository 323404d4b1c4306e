package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/sotto/pkg/device"
)

var ErrClosed = errors.New("mock device closed")

// Capture is a scripted capture device for tests: fed frames are returned
// in order; with nothing fed, silence frames are produced at the configured
// cadence so capture workers keep their clock.
type Capture struct {
	Interval time.Duration

	mu      sync.Mutex
	cfg     device.StreamConfig
	opened  bool
	opens   int
	closes  int
	openErr error
	feed    chan []byte
	closed  chan struct{}
}

func NewCapture() *Capture {
	return &Capture{
		Interval: 2 * time.Millisecond,
		feed:     make(chan []byte, 64),
	}
}

func (c *Capture) Open(cfg device.StreamConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	if c.opened {
		return nil
	}
	c.cfg = cfg.WithDefaults()
	c.opened = true
	c.opens++
	c.closed = make(chan struct{})
	return nil
}

func (c *Capture) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	opened := c.opened
	frameBytes := c.cfg.FrameBytes()
	c.mu.Unlock()
	if !opened {
		return nil, ErrClosed
	}
	select {
	case pcm := <-c.feed:
		return pcm, nil
	case <-closed:
		return nil, ErrClosed
	case <-time.After(c.Interval):
		return make([]byte, frameBytes), nil
	}
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.opened = false
	c.closes++
	close(c.closed)
	return nil
}

// Feed queues one scripted frame.
func (c *Capture) Feed(pcm []byte) {
	c.feed <- append([]byte(nil), pcm...)
}

// SetOpenError makes subsequent opens fail.
func (c *Capture) SetOpenError(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

func (c *Capture) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *Capture) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Playback records every written frame for inspection.
type Playback struct {
	mu       sync.Mutex
	opened   bool
	opens    int
	closes   int
	writeErr error
	writes   [][]byte
}

func NewPlayback() *Playback { return &Playback{} }

func (p *Playback) Open(cfg device.StreamConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened {
		return nil
	}
	p.opened = true
	p.opens++
	return nil
}

func (p *Playback) WriteFrame(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return ErrClosed
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), pcm...))
	return nil
}

func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	p.opened = false
	p.closes++
	return nil
}

func (p *Playback) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *Playback) SetWriteError(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}
