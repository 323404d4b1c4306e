package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/sotto/pkg/errorsx"
	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/transports"
)

type Config struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	RecvBuffer       int           `mapstructure:"recv_buffer"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "ws://localhost:8765"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 15 * time.Second
	}
	if c.RecvBuffer <= 0 {
		c.RecvBuffer = 256
	}
	return c
}

var errNotConnected = errors.New("websocket not connected")

// envelope is the wire message shape in both directions: an event name plus
// base64 PCM for audio events, empty data for markers.
type envelope struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// Outbound event names per channel.
const (
	eventChunkQuery      = "audio_chunk_query"
	eventChunkContext    = "audio_chunk_context"
	eventCompleteQuery   = "audio_complete_query"
	eventCompleteContext = "audio_complete_context"
	eventStopServer      = "stop_server_stream"
)

// Inbound event names from the assistant service.
const (
	eventServerChunk    = "server_audio_chunk"
	eventServerComplete = "server_audio_complete"
	eventServerStop     = "server_audio_stop"
)

// Transport is a websocket client to the assistant service. One writer
// mutex serializes all outbound messages; a read pump decodes inbound
// events into frames on a bounded receive channel. The connection is
// re-dialed with capped exponential backoff until Stop.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	recvCh chan frames.Frame
	pts    *frames.PTSGen

	connMu sync.Mutex
	conn   *websocket.Conn

	draining  atomic.Bool
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	reconnect atomic.Int64
}

func New(cfg Config, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		log:    log,
		recvCh: make(chan frames.Frame, cfg.RecvBuffer),
		pts:    frames.NewPTSGen(),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// Reconnects reports how many times the link was re-established.
func (t *Transport) Reconnects() int64 { return t.reconnect.Load() }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
		t.connMu.Lock()
		if t.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		<-t.done
		close(t.recvCh)
	})
	return nil
}

func (t *Transport) Send(channel frames.Channel, chunk []byte) error {
	event, ok := chunkEvent(channel)
	if !ok {
		return nil
	}
	return t.write(envelope{
		Event: event,
		Data:  base64.StdEncoding.EncodeToString(chunk),
	})
}

func (t *Transport) SendMarker(channel frames.Channel, code frames.ControlCode) error {
	event, ok := markerEvent(channel, code)
	if !ok {
		return nil
	}
	return t.write(envelope{Event: event})
}

func chunkEvent(channel frames.Channel) (string, bool) {
	switch channel {
	case frames.ChannelQuery:
		return eventChunkQuery, true
	case frames.ChannelContext:
		return eventChunkContext, true
	default:
		return "", false
	}
}

func markerEvent(channel frames.Channel, code frames.ControlCode) (string, bool) {
	switch {
	case channel == frames.ChannelQuery && code == frames.ControlStreamComplete:
		return eventCompleteQuery, true
	case channel == frames.ChannelContext && code == frames.ControlStreamComplete:
		return eventCompleteContext, true
	case channel == frames.ChannelReply && code == frames.ControlAbruptStop:
		return eventStopServer, true
	default:
		return "", false
	}
}

func (t *Transport) write(env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return errorsx.Wrap(errNotConnected, errorsx.ReasonTransportClosed)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// run dials, pumps, and re-dials until the context is cancelled.
func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	backoff := t.cfg.ReconnectMin
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := t.dial(ctx)
		if err != nil {
			t.log.Warn("transport_connect_failed",
				"url", t.cfg.URL,
				"error", errorsx.Wrap(err, errorsx.ReasonTransportConnect),
				"retry_in", backoff,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > t.cfg.ReconnectMax {
				backoff = t.cfg.ReconnectMax
			}
			continue
		}
		backoff = t.cfg.ReconnectMin
		if !first {
			t.reconnect.Add(1)
		}
		first = false

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		t.log.Info("transport_connected", "url", t.cfg.URL)
		t.push(frames.NewSystemFrame(transports.SystemConnected, time.Now().UnixNano(), nil))

		t.readPump(ctx, conn)

		t.connMu.Lock()
		t.conn = nil
		t.connMu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("transport_disconnected", "url", t.cfg.URL)
		t.push(frames.NewSystemFrame(transports.SystemDisconnected, time.Now().UnixNano(), nil))
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readPump decodes inbound envelopes until the connection dies. A ping
// ticker keeps half-open links from lingering.
func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn) {
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(t.cfg.WriteTimeout)
				t.connMu.Lock()
				if t.conn == conn {
					_ = conn.WriteControl(websocket.PingMessage, nil, deadline)
				}
				t.connMu.Unlock()
			}
		}
	}()
	defer close(pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.log.Debug("transport_bad_message", "error", err)
			continue
		}
		t.handle(env)
	}
}

func (t *Transport) handle(env envelope) {
	switch env.Event {
	case eventServerChunk:
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			t.log.Debug("transport_bad_payload", "event", env.Event, "error", err)
			return
		}
		t.push(frames.NewAudioFrame(frames.ChannelReply, t.pts.Next(frames.ChannelReply), payload, 0, 0, nil))
	case eventServerComplete:
		t.push(frames.NewControlFrame(frames.ChannelReply, t.pts.Next(frames.ChannelReply), frames.ControlStreamComplete, nil))
	case eventServerStop:
		t.push(frames.NewControlFrame(frames.ChannelReply, t.pts.Next(frames.ChannelReply), frames.ControlAbruptStop, nil))
	default:
		t.log.Debug("transport_unknown_event", "event", env.Event)
	}
}

func (t *Transport) push(f frames.Frame) {
	if t.draining.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.log.Warn("transport_recv_overflow", "kind", string(f.Kind()))
	}
}
