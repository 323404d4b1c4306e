package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/sotto/pkg/frames"
)

// Item is one outbound transport unit: a data chunk or an end-of-stream
// marker for its channel.
type Item struct {
	Channel frames.Channel
	Data    []byte
	Marker  frames.ControlCode
}

func (it Item) IsMarker() bool { return it.Marker != "" }

type Stats struct {
	QueryPush   int64
	ContextPush int64
	QueryPop    int64
	ContextPop  int64
	Dropped     int64
}

// Outbound holds one bounded FIFO per capture channel. Query items drain
// ahead of context items, with a fairness ratio so a long query cannot
// starve context indefinitely. Overflow drops the oldest data item of the
// affected channel; markers are never dropped, since losing one would leave
// the remote side waiting forever for a stream to complete.
type Outbound struct {
	mu       sync.Mutex
	query    []Item
	context  []Item
	capacity int
	fairness int
	highRun  int

	queryPush   int64
	contextPush int64
	queryPop    int64
	contextPop  int64
	dropped     int64
}

func NewOutbound(capacity, fairness int) *Outbound {
	if capacity <= 0 {
		capacity = 256
	}
	if fairness <= 0 {
		fairness = 3
	}
	return &Outbound{
		capacity: capacity,
		fairness: fairness,
	}
}

// Push enqueues an item, evicting the oldest data item of the same channel
// when the channel FIFO is full. It reports whether the push happened
// without an eviction. Push never blocks: the caller is the capture path.
func (q *Outbound) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := &q.context
	pushes := &q.contextPush
	if it.Channel == frames.ChannelQuery {
		buf = &q.query
		pushes = &q.queryPush
	}

	clean := true
	if len(*buf) >= q.capacity && !it.IsMarker() {
		if !q.evictOldestData(buf) {
			// Nothing but markers queued; dropping the new chunk is the
			// only move that keeps completion signalling intact.
			atomic.AddInt64(&q.dropped, 1)
			return false
		}
		clean = false
	} else if len(*buf) >= q.capacity {
		// Marker on a full queue: evict a data item if one exists,
		// otherwise grow by one. Markers are tiny and must survive.
		if q.evictOldestData(buf) {
			clean = false
		}
	}
	*buf = append(*buf, it)
	atomic.AddInt64(pushes, 1)
	return clean
}

func (q *Outbound) evictOldestData(buf *[]Item) bool {
	for i, old := range *buf {
		if !old.IsMarker() {
			*buf = append((*buf)[:i], (*buf)[i+1:]...)
			atomic.AddInt64(&q.dropped, 1)
			return true
		}
	}
	return false
}

// Pop removes the next item without blocking. Query wins unless the
// fairness run length has been reached while context items are waiting.
func (q *Outbound) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	preferContext := q.highRun >= q.fairness && len(q.context) > 0
	if len(q.query) > 0 && !preferContext {
		it := q.query[0]
		q.query = q.query[1:]
		q.highRun++
		atomic.AddInt64(&q.queryPop, 1)
		return it, true
	}
	if len(q.context) > 0 {
		it := q.context[0]
		q.context = q.context[1:]
		q.highRun = 0
		atomic.AddInt64(&q.contextPop, 1)
		return it, true
	}
	return Item{}, false
}

// PopWait polls for the next item until timeout.
func (q *Outbound) PopWait(timeout time.Duration) (Item, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if it, ok := q.Pop(); ok {
			return it, true
		}
		if time.Now().After(deadline) {
			return Item{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.query) + len(q.context)
}

func (q *Outbound) Stats() Stats {
	return Stats{
		QueryPush:   atomic.LoadInt64(&q.queryPush),
		ContextPush: atomic.LoadInt64(&q.contextPush),
		QueryPop:    atomic.LoadInt64(&q.queryPop),
		ContextPop:  atomic.LoadInt64(&q.contextPop),
		Dropped:     atomic.LoadInt64(&q.dropped),
	}
}
