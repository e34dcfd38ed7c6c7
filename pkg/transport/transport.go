// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/protocol"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// ALPN is negotiated on QUIC and offered on TLS connections.
const ALPN = "lesocket"

const (
	DefaultSendQueue    = 256
	DefaultWriteTimeout = 10 * time.Second
)

// Channel is one established connection carrying whole protocol messages.
type Channel interface {
	// ID identifies the connection for its whole lifetime.
	ID() string
	RemoteAddr() net.Addr
	// Send queues msg for writing. It never blocks on the network.
	Send(msg *protocol.Message) error
	// Close releases the connection. Safe to call multiple times.
	Close() error
	// Done is closed once the channel is closed, whoever closed it.
	Done() <-chan struct{}
}

// Handler receives inbound traffic and closure notifications.
type Handler interface {
	OnReceive(ch Channel, msg *protocol.Message)
	OnClosed(ch Channel, err error)
}

// Listener accepts connections until Close or ctx cancellation.
type Listener interface {
	Serve(ctx context.Context, h Handler) error
	Addr() net.Addr
	Close() error
}

// Dialer opens a client channel.
type Dialer interface {
	Dial(ctx context.Context, addr string, h Handler) (Channel, error)
}

// Options are shared by every transport kind.
type Options struct {
	Codec        *protocol.Codec
	Compression  Compression
	SendQueue    int
	MaxFrame     int
	WriteTimeout time.Duration
	Log          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.MustCodec(protocol.DefaultCharset)
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = protocol.DefaultMaxFrame
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

type Kind string

const (
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "ws"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTCP:
		return KindTCP, nil
	case KindQUIC:
		return KindQUIC, nil
	case KindWebSocket, "websocket":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", s)
	}
}

// State is the lifecycle of a connection wrapper.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateClosed is terminal: nothing reconnects from here.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lifecycle is an atomically updated State.
type Lifecycle struct {
	v atomic.Int32
}

func (l *Lifecycle) Load() State { return State(l.v.Load()) }

// Transition moves from -> to and reports whether the current state was from.
func (l *Lifecycle) Transition(from, to State) bool {
	return l.v.CompareAndSwap(int32(from), int32(to))
}

// Close moves to StateClosed from any state and returns the previous one.
func (l *Lifecycle) Close() State {
	return State(l.v.Swap(int32(StateClosed)))
}

var channelSeq atomic.Uint64

func newChannelID(remote net.Addr) string {
	addr := "unknown"
	if remote != nil {
		addr = remote.String()
	}
	return fmt.Sprintf("%s#%d", addr, channelSeq.Add(1))
}
