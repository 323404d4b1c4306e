package sotto

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sotto/pkg/arbiter"
	"github.com/harunnryd/sotto/pkg/chunker"
	"github.com/harunnryd/sotto/pkg/configutil"
	"github.com/harunnryd/sotto/pkg/control"
	"github.com/harunnryd/sotto/pkg/device"
	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/logging"
	"github.com/harunnryd/sotto/pkg/metrics"
	"github.com/harunnryd/sotto/pkg/queue"
	"github.com/harunnryd/sotto/pkg/router"
	"github.com/harunnryd/sotto/pkg/runner"
	"github.com/harunnryd/sotto/pkg/transports"
	"github.com/harunnryd/sotto/pkg/transports/mock"
	"github.com/harunnryd/sotto/pkg/transports/ws"
)

// Engine wires the full client: capture source feeding the channel router,
// outbound chunk sender, reply assembler and playback sink, all arbitrated
// by one composite state machine.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	arb       *arbiter.Arbiter
	transport transports.Transport
	sender    *chunker.Sender
	assembler *chunker.Assembler
	router    *router.Router
	source    *device.Source
	sink      *device.Sink
	adapter   *control.Adapter
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver

	ctx    context.Context
	cancel context.CancelFunc
	recvWG sync.WaitGroup
}

// EngineOptions lets callers substitute the transport and devices; tests
// run the whole engine against mocks this way.
type EngineOptions struct {
	Config    Config
	Transport transports.Transport
	Capture   device.Capture
	Playback  device.Playback
	Observer  metrics.Observer
}

// effects routes arbitration side effects to the concrete components. Set
// after construction because the arbiter is built before the devices that
// depend on its snapshot.
type effects struct {
	source    *device.Source
	assembler *chunker.Assembler
	sender    *chunker.Sender
	transport transports.Transport
	log       *slog.Logger
}

func (e *effects) ArmCapture() error { return e.source.Arm() }

func (e *effects) DisarmCapture() { e.source.Disarm() }

func (e *effects) StopPlayback() { e.assembler.Abort() }

func (e *effects) EmitMarker(channel frames.Channel, code frames.ControlCode) {
	// The reply abrupt-stop goes straight to the transport: queueing it
	// behind outbound audio would delay the very interruption it signals.
	if channel == frames.ChannelReply && code == frames.ControlAbruptStop {
		if err := e.transport.SendMarker(channel, code); err != nil {
			e.log.Warn("stop_marker_send_failed", "error", err)
		}
		return
	}
	e.sender.EnqueueMarker(channel, code)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.SetDefault(cfg.LogLevel, cfg.LogFormat)

	slog.Info("sotto_init",
		"environment", cfg.Environment,
		"transport", cfg.Transport.Provider,
		"sample_rate", cfg.Audio.SampleRate,
		"frame_size", cfg.Audio.FrameSize,
	)

	var asyncObs *metrics.AsyncObserver
	if cfg.Metrics.Enabled {
		inner := opts.Observer
		if inner == nil {
			inner = metrics.NewLoggerObserver(log)
		}
		asyncObs = metrics.NewAsyncObserver(inner, cfg.Metrics.Buffer)
	}

	transport := opts.Transport
	if transport == nil {
		var err error
		transport, err = buildTransport(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	outQ := queue.NewOutbound(cfg.Queues.OutboundCapacity, cfg.Queues.FairnessRatio)
	inQ := queue.NewFrames(cfg.Queues.InboundCapacity)

	sender := chunker.NewSender(chunker.SenderConfig{
		ChunkSize: cfg.Audio.ChunkSize,
		Pace:      cfg.Audio.Pace,
		Poll:      cfg.Audio.Poll,
	}, outQ, transport, logging.NewComponentLogger(log, "sender"))

	eff := &effects{
		sender:    sender,
		transport: transport,
		log:       log,
	}
	arb := arbiter.New(eff, logging.NewComponentLogger(log, "arbiter"))

	streamCfg := device.StreamConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  cfg.Audio.FrameSize,
	}.WithDefaults()

	playbackEnabled := func() bool { return arb.Snapshot().PlaybackEnabled }

	assembler := chunker.NewAssembler(chunker.AssemblerConfig{
		FrameBytes: streamCfg.FrameBytes(),
		SampleRate: streamCfg.SampleRate,
		Channels:   streamCfg.Channels,
	}, playbackEnabled, inQ, logging.NewComponentLogger(log, "assembler"))
	eff.assembler = assembler

	rt := router.New(arb, sender, logging.NewComponentLogger(log, "router"))

	capture := opts.Capture
	if capture == nil {
		capture = device.NewPortAudioCapture()
	}
	playback := opts.Playback
	if playback == nil {
		playback = device.NewPortAudioPlayback()
	}
	source := device.NewSource(streamCfg, capture, rt, logging.NewComponentLogger(log, "capture"), cfg.Audio.Join)
	sink := device.NewSink(streamCfg, playback, inQ, playbackEnabled, logging.NewComponentLogger(log, "playback"), cfg.Audio.Poll, cfg.Audio.Join)
	eff.source = source

	bindings := make(map[string]control.Mode, len(cfg.Controls.Bindings))
	for name, mode := range cfg.Controls.Bindings {
		bindings[name] = control.Mode(mode)
	}
	adapter := control.NewAdapter(arb, bindings, logging.NewComponentLogger(log, "control"))

	eng := &Engine{
		cfg:       cfg,
		log:       log,
		arb:       arb,
		transport: transport,
		sender:    sender,
		assembler: assembler,
		router:    rt,
		source:    source,
		sink:      sink,
		adapter:   adapter,
		asyncObs:  asyncObs,
	}

	if asyncObs != nil {
		arb.AddListener(transitionRecorder{obs: asyncObs})
	}

	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("engine_ready", "transport", transport.Name())
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			stats := rt.Stats()
			slog.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"frames_query", stats.Query,
				"frames_context", stats.Context,
				"frames_dropped", stats.Dropped,
			)
		},
	}
	eng.runner = runner.NewLifecycleRunner(drainerFunc(eng.Drain), hooks, 15*time.Second, log)

	return eng, nil
}

type drainerFunc func() error

func (f drainerFunc) Drain() error { return f() }

// transitionRecorder mirrors every arbitration transition into the metrics
// stream.
type transitionRecorder struct {
	obs metrics.Observer
}

func (r transitionRecorder) OnStateChange(change arbiter.StateChange) {
	r.obs.RecordEvent(metrics.MetricsEvent{
		Name: "arbiter_transition",
		Time: change.Time,
		Tags: map[string]string{
			"event": string(change.Event),
			"from":  change.From.State().String(),
			"to":    change.To.State().String(),
		},
	})
}

func buildTransport(cfg Config, log *slog.Logger) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Provider)) {
	case "ws":
		var settings struct {
			URL                string `mapstructure:"url"`
			HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
			WriteTimeoutMS     int    `mapstructure:"write_timeout_ms"`
			PingIntervalMS     int    `mapstructure:"ping_interval_ms"`
			ReconnectMinMS     int    `mapstructure:"reconnect_min_ms"`
			ReconnectMaxMS     int    `mapstructure:"reconnect_max_ms"`
			RecvBuffer         int    `mapstructure:"recv_buffer"`
		}
		if err := configutil.DecodeSettings(cfg.Transport.Settings, &settings); err != nil {
			return nil, fmt.Errorf("transport settings: %w", err)
		}
		return ws.New(ws.Config{
			URL:              settings.URL,
			HandshakeTimeout: time.Duration(settings.HandshakeTimeoutMS) * time.Millisecond,
			WriteTimeout:     time.Duration(settings.WriteTimeoutMS) * time.Millisecond,
			PingInterval:     time.Duration(settings.PingIntervalMS) * time.Millisecond,
			ReconnectMin:     time.Duration(settings.ReconnectMinMS) * time.Millisecond,
			ReconnectMax:     time.Duration(settings.ReconnectMaxMS) * time.Millisecond,
			RecvBuffer:       settings.RecvBuffer,
		}, logging.NewComponentLogger(log, "transport")), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Transport.Provider)
	}
}

// Start brings up the transport, the outbound sender, and the control
// dispatcher, then begins consuming inbound frames. The playback sink is
// armed for the life of the session; the capture source arms on demand.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.transport.Start(e.ctx); err != nil {
		return err
	}
	e.sender.Start()
	e.adapter.Start()
	if err := e.sink.Arm(); err != nil {
		e.log.Warn("playback_arm_failed", "error", err)
	}

	e.recvWG.Add(1)
	go e.receiveLoop()

	go func() {
		_ = e.runner.Run(e.ctx)
	}()
	return nil
}

// Stop triggers the lifecycle shutdown and blocks until drained.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// Drain finishes open streams in order: active recordings get their
// completion markers, queued chunks flush to the transport, then workers
// and devices come down.
func (e *Engine) Drain() error {
	snap := e.arb.Snapshot()
	if snap.QueryActive {
		_ = e.arb.StopQuery()
	}
	if snap.ContextActive {
		_ = e.arb.SetContext(false)
	}
	if !e.sender.Flush(5 * time.Second) {
		e.log.Warn("drain_flush_timeout", "pending", e.cfg.Queues.OutboundCapacity)
	}
	e.sender.Stop()
	e.adapter.Stop()
	_ = e.transport.Stop()
	e.recvWG.Wait()
	e.source.Disarm()
	e.sink.Disarm()
	return nil
}

// receiveLoop is the single consumer of the transport's inbound stream:
// reply chunks feed the assembler, reply markers feed both the assembler
// and the arbiter, system frames are logged.
func (e *Engine) receiveLoop() {
	defer e.recvWG.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			e.handleInbound(f)
		}
	}
}

func (e *Engine) handleInbound(f frames.Frame) {
	switch f.Kind() {
	case frames.KindAudio:
		af, ok := f.(frames.AudioFrame)
		if !ok || af.Channel() != frames.ChannelReply {
			return
		}
		e.assembler.HandleChunk(af.RawPayload())
		e.record("reply_chunk", map[string]string{"channel": string(af.Channel())})
	case frames.KindControl:
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Channel() != frames.ChannelReply {
			return
		}
		e.assembler.HandleMarker(cf.Code())
		e.adapter.HandleMarker(cf.Channel(), cf.Code())
		e.record("reply_marker", map[string]string{"code": string(cf.Code())})
	case frames.KindSystem:
		sf, ok := f.(frames.SystemFrame)
		if !ok {
			return
		}
		e.log.Info("transport_event", "name", sf.Name())
		e.record("transport_event", map[string]string{"name": sf.Name()})
	}
}

func (e *Engine) record(name string, tags map[string]string) {
	if e.asyncObs == nil {
		return
	}
	e.asyncObs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

// Offer feeds one control event into the dispatcher; input sources call
// this from their callbacks.
func (e *Engine) Offer(ev control.Event) bool { return e.adapter.Offer(ev) }

// Adapter exposes the control dispatcher for input sources that need it
// directly, like the keyboard reader.
func (e *Engine) Adapter() *control.Adapter { return e.adapter }

func (e *Engine) Arbiter() *arbiter.Arbiter { return e.arb }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) RouterStats() router.Stats { return e.router.Stats() }
