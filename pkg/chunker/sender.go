package chunker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sotto/pkg/errorsx"
	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/queue"
	"github.com/harunnryd/sotto/pkg/resilience"
	"github.com/harunnryd/sotto/pkg/transports"
)

type SenderConfig struct {
	// ChunkSize is the maximum transport payload per send.
	ChunkSize int
	// Pace is slept after each data send so a burst of capture frames does
	// not overrun the transport's backpressure.
	Pace time.Duration
	// Poll bounds how long the sender waits on an empty queue before
	// re-checking for shutdown.
	Poll  time.Duration
	Retry resilience.RetryPolicy
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if c.Pace < 0 {
		c.Pace = 0
	}
	if c.Poll <= 0 {
		c.Poll = 100 * time.Millisecond
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry = resilience.NewRetryPolicy(2, 100*time.Millisecond)
	}
	return c
}

// Sender is the outbound worker: it drains the per-channel queues in
// capture order, splits oversized payloads, and hands chunks and markers to
// the transport with retry and pacing.
type Sender struct {
	cfg SenderConfig
	q   *queue.Outbound
	tr  transports.Transport
	log *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewSender(cfg SenderConfig, q *queue.Outbound, tr transports.Transport, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		cfg:  cfg.withDefaults(),
		q:    q,
		tr:   tr,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// EnqueueFrame splits a captured PCM payload into transport-sized chunks
// and queues them on the frame's channel. Never blocks: overflow policy
// lives in the queue.
func (s *Sender) EnqueueFrame(channel frames.Channel, pcm []byte) {
	for _, chunk := range Split(pcm, s.cfg.ChunkSize) {
		buf := append([]byte(nil), chunk...)
		if !s.q.Push(queue.Item{Channel: channel, Data: buf}) {
			s.log.Debug("outbound_chunk_evicted", "channel", string(channel))
		}
	}
}

// EnqueueMarker queues an end-of-stream marker behind the channel's last
// chunk, so completion is never signalled before the data it completes.
func (s *Sender) EnqueueMarker(channel frames.Channel, code frames.ControlCode) {
	s.q.Push(queue.Item{Channel: channel, Marker: code})
}

func (s *Sender) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// Flush waits until the queues are empty or the timeout expires. Used on
// shutdown so a finished query still reaches the server.
func (s *Sender) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.q.Len() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (s *Sender) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		it, ok := s.q.PopWait(s.cfg.Poll)
		if !ok {
			continue
		}
		s.deliver(it)
	}
}

func (s *Sender) deliver(it queue.Item) {
	var err error
	if it.IsMarker() {
		err = s.cfg.Retry.Do(func() error {
			return s.tr.SendMarker(it.Channel, it.Marker)
		})
	} else {
		err = s.cfg.Retry.Do(func() error {
			return s.tr.Send(it.Channel, it.Data)
		})
	}
	if err != nil {
		// Best effort: the chunk is dropped after retries so the sender
		// never wedges the capture pipeline behind a dead link.
		s.log.Warn("outbound_send_failed",
			"channel", string(it.Channel),
			"marker", string(it.Marker),
			"error", errorsx.Wrap(err, errorsx.ReasonTransportSend),
		)
		return
	}
	if !it.IsMarker() && s.cfg.Pace > 0 {
		time.Sleep(s.cfg.Pace)
	}
}
