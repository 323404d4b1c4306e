package queue

import (
	"testing"
	"time"

	"github.com/harunnryd/sotto/pkg/frames"
)

func dataItem(ch frames.Channel, b byte) Item {
	return Item{Channel: ch, Data: []byte{b}}
}

func TestOutboundQueryBeforeContext(t *testing.T) {
	q := NewOutbound(8, 3)
	q.Push(dataItem(frames.ChannelContext, 1))
	q.Push(dataItem(frames.ChannelQuery, 2))

	it, ok := q.Pop()
	if !ok || it.Channel != frames.ChannelQuery {
		t.Fatalf("expected query item first, got %+v ok=%v", it, ok)
	}
	it, ok = q.Pop()
	if !ok || it.Channel != frames.ChannelContext {
		t.Fatalf("expected context item second, got %+v ok=%v", it, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestOutboundFairnessAllowsContext(t *testing.T) {
	q := NewOutbound(32, 2)
	for i := 0; i < 6; i++ {
		q.Push(dataItem(frames.ChannelQuery, byte(i)))
	}
	q.Push(dataItem(frames.ChannelContext, 99))

	sawContext := false
	for i := 0; i < 4; i++ {
		it, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if it.Channel == frames.ChannelContext {
			sawContext = true
		}
	}
	if !sawContext {
		t.Fatalf("expected fairness to let a context item through within 4 pops")
	}
}

func TestOutboundDropOldestData(t *testing.T) {
	q := NewOutbound(2, 3)
	q.Push(dataItem(frames.ChannelQuery, 1))
	q.Push(dataItem(frames.ChannelQuery, 2))
	if clean := q.Push(dataItem(frames.ChannelQuery, 3)); clean {
		t.Fatalf("expected eviction on overflow")
	}

	it, _ := q.Pop()
	if it.Data[0] != 2 {
		t.Fatalf("expected oldest chunk dropped, head is %d", it.Data[0])
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected dropped=1, got %d", q.Stats().Dropped)
	}
}

func TestOutboundMarkerSurvivesOverflow(t *testing.T) {
	q := NewOutbound(2, 3)
	q.Push(dataItem(frames.ChannelQuery, 1))
	q.Push(Item{Channel: frames.ChannelQuery, Marker: frames.ControlStreamComplete})
	q.Push(dataItem(frames.ChannelQuery, 2))
	q.Push(Item{Channel: frames.ChannelQuery, Marker: frames.ControlStreamComplete})

	markers := 0
	for {
		it, ok := q.Pop()
		if !ok {
			break
		}
		if it.IsMarker() {
			markers++
		}
	}
	if markers != 2 {
		t.Fatalf("expected both markers to survive overflow, got %d", markers)
	}
}

func TestOutboundPopWaitTimesOut(t *testing.T) {
	q := NewOutbound(2, 3)
	start := time.Now()
	if _, ok := q.PopWait(20 * time.Millisecond); ok {
		t.Fatalf("expected timeout on empty queue")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("PopWait returned before the deadline")
	}
}

func TestOutboundChannelOrderPreserved(t *testing.T) {
	q := NewOutbound(16, 3)
	for i := 0; i < 5; i++ {
		q.Push(dataItem(frames.ChannelContext, byte(i)))
	}
	for i := 0; i < 5; i++ {
		it, ok := q.Pop()
		if !ok || it.Data[0] != byte(i) {
			t.Fatalf("expected context chunk %d in order, got %+v ok=%v", i, it, ok)
		}
	}
}

func TestFramesDropOldest(t *testing.T) {
	q := NewFrames(2)
	for i := 0; i < 3; i++ {
		f := frames.NewAudioFrame(frames.ChannelReply, int64(i), []byte{byte(i)}, 16000, 1, nil)
		if !q.TryPush(f) {
			t.Fatalf("push %d failed", i)
		}
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected one dropped frame, got %d", q.Dropped())
	}
	f, ok := q.PopWait(10 * time.Millisecond)
	if !ok || f.PTS() != 1 {
		t.Fatalf("expected oldest frame evicted, head pts=%d ok=%v", f.PTS(), ok)
	}
}

func TestFramesDrain(t *testing.T) {
	q := NewFrames(8)
	for i := 0; i < 5; i++ {
		q.TryPush(frames.NewAudioFrame(frames.ChannelReply, int64(i), nil, 16000, 1, nil))
	}
	if n := q.Drain(); n != 5 {
		t.Fatalf("expected drain of 5 frames, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain")
	}
	if _, ok := q.PopWait(5 * time.Millisecond); ok {
		t.Fatalf("expected empty queue after drain")
	}
}
