package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/sotto/pkg/frames"
)

// Sent records one outbound transport operation for inspection.
type Sent struct {
	Channel frames.Channel
	Data    []byte
	Marker  frames.ControlCode
}

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network
// dependency.
type Transport struct {
	recvCh  chan frames.Frame
	closed  atomic.Bool
	mu      sync.Mutex
	sent    []Sent
	sendErr error
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(channel frames.Channel, chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, Sent{Channel: channel, Data: append([]byte(nil), chunk...)})
	return nil
}

func (t *Transport) SendMarker(channel frames.Channel, code frames.ControlCode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, Sent{Channel: channel, Marker: code})
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// PushChunk injects an inbound reply chunk.
func (t *Transport) PushChunk(data []byte) {
	t.Push(frames.NewAudioFrame(frames.ChannelReply, time.Now().UnixNano(), data, 0, 0, nil))
}

// PushMarker injects an inbound marker.
func (t *Transport) PushMarker(channel frames.Channel, code frames.ControlCode) {
	t.Push(frames.NewControlFrame(channel, time.Now().UnixNano(), code, nil))
}

// SetSendError makes subsequent sends fail, simulating a dead link.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// SentItems exposes the recorded outbound operations.
func (t *Transport) SentItems() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}
