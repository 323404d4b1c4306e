package ws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/sotto/pkg/frames"
	"github.com/harunnryd/sotto/pkg/transports"
)

// fakeServer accepts one websocket client at a time, records inbound
// envelopes, and can script outbound ones.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			fs.mu.Lock()
			fs.received = append(fs.received, env)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) send(env envelope) {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if conn == nil {
		fs.t.Fatalf("no client connected")
	}
	b, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		fs.t.Fatalf("server send: %v", err)
	}
}

func (fs *fakeServer) dropClient() {
	fs.mu.Lock()
	conn := fs.conn
	fs.conn = nil
	fs.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (fs *fakeServer) events() []envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]envelope, len(fs.received))
	copy(out, fs.received)
	return out
}

func waitFrame(t *testing.T, tr *Transport, timeout time.Duration) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame within %s", timeout)
		return nil
	}
}

func startTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr := New(Config{URL: url, ReconnectMin: 10 * time.Millisecond}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = tr.Stop() })

	f := waitFrame(t, tr, 2*time.Second)
	sf, ok := f.(frames.SystemFrame)
	if !ok || sf.Name() != transports.SystemConnected {
		t.Fatalf("expected connected frame, got %#v", f)
	}
	return tr
}

func TestTransportSendsChunkAndMarkerEvents(t *testing.T) {
	fs := newFakeServer(t)
	tr := startTransport(t, fs.url())

	if err := tr.Send(frames.ChannelQuery, []byte{1, 2, 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.SendMarker(frames.ChannelQuery, frames.ControlStreamComplete); err != nil {
		t.Fatalf("marker: %v", err)
	}
	if err := tr.Send(frames.ChannelContext, []byte{9}); err != nil {
		t.Fatalf("send context: %v", err)
	}
	if err := tr.SendMarker(frames.ChannelReply, frames.ControlAbruptStop); err != nil {
		t.Fatalf("stop marker: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.events()) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("server received %d events", len(fs.events()))
		}
		time.Sleep(time.Millisecond)
	}

	got := fs.events()
	wantEvents := []string{eventChunkQuery, eventCompleteQuery, eventChunkContext, eventStopServer}
	for i, want := range wantEvents {
		if got[i].Event != want {
			t.Fatalf("event %d: want %s got %s", i, want, got[i].Event)
		}
	}
	payload, err := base64.StdEncoding.DecodeString(got[0].Data)
	if err != nil || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Fatalf("chunk payload mangled: %v %v", payload, err)
	}
	if got[1].Data != "" {
		t.Fatalf("markers must carry no payload")
	}
}

func TestTransportDecodesInboundEvents(t *testing.T) {
	fs := newFakeServer(t)
	tr := startTransport(t, fs.url())

	pcm := []byte{4, 5, 6, 7}
	fs.send(envelope{Event: eventServerChunk, Data: base64.StdEncoding.EncodeToString(pcm)})
	f := waitFrame(t, tr, 2*time.Second)
	af, ok := f.(frames.AudioFrame)
	if !ok || af.Channel() != frames.ChannelReply || !bytes.Equal(af.RawPayload(), pcm) {
		t.Fatalf("bad reply chunk: %#v", f)
	}

	fs.send(envelope{Event: eventServerComplete})
	f = waitFrame(t, tr, 2*time.Second)
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlStreamComplete {
		t.Fatalf("bad completion marker: %#v", f)
	}

	fs.send(envelope{Event: eventServerStop})
	f = waitFrame(t, tr, 2*time.Second)
	cf, ok = f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlAbruptStop {
		t.Fatalf("bad stop marker: %#v", f)
	}
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	tr := startTransport(t, fs.url())

	fs.dropClient()
	f := waitFrame(t, tr, 2*time.Second)
	sf, ok := f.(frames.SystemFrame)
	if !ok || sf.Name() != transports.SystemDisconnected {
		t.Fatalf("expected disconnected frame, got %#v", f)
	}

	f = waitFrame(t, tr, 2*time.Second)
	sf, ok = f.(frames.SystemFrame)
	if !ok || sf.Name() != transports.SystemConnected {
		t.Fatalf("expected reconnect frame, got %#v", f)
	}
	if tr.Reconnects() != 1 {
		t.Fatalf("expected one reconnect, got %d", tr.Reconnects())
	}

	// The fresh link carries traffic again.
	if err := tr.Send(frames.ChannelQuery, []byte{1}); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
}

func TestTransportSendWhileDisconnected(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1", ReconnectMin: 10 * time.Millisecond}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	if err := tr.Send(frames.ChannelQuery, []byte{1}); err == nil {
		t.Fatalf("expected error while disconnected")
	}
}

func TestTransportStopIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	tr := startTransport(t, fs.url())
	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
