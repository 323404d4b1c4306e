package transports

import (
	"context"

	"github.com/harunnryd/sotto/pkg/frames"
)

// Transport is the ordered, at-least-once chunk boundary to the remote
// assistant service. Implementations own their network lifecycle, including
// reconnects; chunks and markers for one channel are delivered in send
// order, with no ordering guarantee across channels.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(channel frames.Channel, chunk []byte) error
	SendMarker(channel frames.Channel, code frames.ControlCode) error
	Recv() <-chan frames.Frame
}

// System frame names surfaced on the receive channel.
const (
	SystemConnected    = "connected"
	SystemDisconnected = "disconnected"
)
