package device_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/sotto/pkg/device"
	"github.com/harunnryd/sotto/pkg/device/mock"
	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/queue"
)

func replyFrame(pts int64, b byte) frames.AudioFrame {
	return frames.NewAudioFrame(frames.ChannelReply, pts, []byte{b, b}, 16000, 1, nil)
}

func TestSinkPlaysQueuedFrames(t *testing.T) {
	dev := mock.NewPlayback()
	q := queue.NewFrames(16)
	sink := device.NewSink(device.StreamConfig{}, dev, q, nil, nil, 5*time.Millisecond, 0)

	if err := sink.Arm(); err != nil {
		t.Fatalf("arm: %v", err)
	}
	defer sink.Disarm()

	for i := 0; i < 3; i++ {
		q.TryPush(replyFrame(int64(i), byte(i)))
	}
	waitFor(t, time.Second, func() bool { return len(dev.Writes()) == 3 })

	writes := dev.Writes()
	for i, w := range writes {
		if w[0] != byte(i) {
			t.Fatalf("playback order broken at %d: %v", i, writes)
		}
	}
}

func TestSinkDrainsWhileDisabled(t *testing.T) {
	dev := mock.NewPlayback()
	q := queue.NewFrames(16)
	var enabled atomic.Bool
	sink := device.NewSink(device.StreamConfig{}, dev, q, enabled.Load, nil, 2*time.Millisecond, 0)

	_ = sink.Arm()
	defer sink.Disarm()

	for i := 0; i < 4; i++ {
		q.TryPush(replyFrame(int64(i), byte(i)))
	}
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })
	time.Sleep(10 * time.Millisecond)
	if len(dev.Writes()) != 0 {
		t.Fatalf("disabled sink must discard, not play: %d writes", len(dev.Writes()))
	}

	// Flipping the flag afterwards must not resurrect the discarded audio.
	enabled.Store(true)
	time.Sleep(10 * time.Millisecond)
	if len(dev.Writes()) != 0 {
		t.Fatalf("stale audio leaked after re-enable")
	}
}

func TestSinkReactsToDisableWithinPollInterval(t *testing.T) {
	dev := mock.NewPlayback()
	q := queue.NewFrames(64)
	var enabled atomic.Bool
	enabled.Store(true)
	poll := 5 * time.Millisecond
	sink := device.NewSink(device.StreamConfig{}, dev, q, enabled.Load, nil, poll, 0)

	_ = sink.Arm()
	defer sink.Disarm()

	for i := 0; i < 8; i++ {
		q.TryPush(replyFrame(int64(i), byte(i)))
	}
	waitFor(t, time.Second, func() bool { return len(dev.Writes()) >= 1 })
	enabled.Store(false)
	waitFor(t, time.Second, func() bool { return q.Len() == 0 })

	// At most one frame already popped when the flag flipped may still
	// have been written.
	n := len(dev.Writes())
	time.Sleep(3 * poll)
	if len(dev.Writes()) > n+1 {
		t.Fatalf("sink kept playing after disable: %d -> %d", n, len(dev.Writes()))
	}
}

func TestSinkDisarmCompletes(t *testing.T) {
	dev := mock.NewPlayback()
	q := queue.NewFrames(4)
	sink := device.NewSink(device.StreamConfig{}, dev, q, nil, nil, 5*time.Millisecond, 50*time.Millisecond)

	_ = sink.Arm()
	done := make(chan struct{})
	go func() {
		sink.Disarm()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("disarm did not complete")
	}
	if sink.Armed() {
		t.Fatalf("expected disarmed sink")
	}
}
