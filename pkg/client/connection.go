package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

var ErrNotConnected = errors.New("not connected")

// Connection owns the client's single transport channel. It announces the
// channel coming up and going away on the bus and never reconnects.
type Connection struct {
	dialer  transport.Dialer
	addr    string
	handler transport.Handler
	bus     event.Bus
	log     *zap.Logger

	state    transport.Lifecycle
	lost     chan struct{}
	lostOnce sync.Once

	mu sync.RWMutex
	ch transport.Channel
}

func NewConnection(dialer transport.Dialer, addr string, h transport.Handler, bus event.Bus, log *zap.Logger) *Connection {
	return &Connection{
		dialer:  dialer,
		addr:    addr,
		handler: h,
		bus:     bus,
		log:     log.Named("connection"),
		lost:    make(chan struct{}),
	}
}

// Connect dials the server once.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.state.Transition(transport.StateDisconnected, transport.StateConnecting) {
		return fmt.Errorf("cannot connect from state %s", c.state.Load())
	}
	c.log.Info("Connecting", zap.String("addr", c.addr))

	ch, err := c.dialer.Dial(ctx, c.addr, c)
	if err != nil {
		c.state.Transition(transport.StateConnecting, transport.StateDisconnected)
		return err
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	if !c.state.Transition(transport.StateConnecting, transport.StateConnected) {
		// Closed while dialing.
		ch.Close()
		return ErrNotConnected
	}
	c.log.Info("Connected", zap.String("addr", c.addr), zap.String("channel", ch.ID()))
	c.bus.Publish(event.ConnectionEstablished{Remote: c.addr})

	select {
	case <-ch.Done():
		// Gone before we were marked connected, so OnClosed saw nothing to do.
		c.markLost(transport.ErrChannelClosed)
	default:
	}
	return nil
}

// Send writes msg on the current channel.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.state.Load() != transport.StateConnected {
		return ErrNotConnected
	}
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(msg)
}

func (c *Connection) OnReceive(ch transport.Channel, msg *protocol.Message) {
	c.handler.OnReceive(ch, msg)
}

func (c *Connection) OnClosed(ch transport.Channel, err error) {
	c.handler.OnClosed(ch, err)
	c.markLost(err)
}

func (c *Connection) markLost(err error) {
	if c.state.Transition(transport.StateConnected, transport.StateDisconnected) {
		c.log.Warn("Connection lost", zap.String("addr", c.addr), zap.Error(err))
		c.bus.Publish(event.ConnectionLost{Remote: c.addr, Err: err})
		c.lostOnce.Do(func() { close(c.lost) })
	}
}

// Lost is closed when an established channel goes away on its own.
func (c *Connection) Lost() <-chan struct{} { return c.lost }

func (c *Connection) State() transport.State { return c.state.Load() }

// Close releases the channel. It is safe to call more than once.
func (c *Connection) Close() error {
	if c.state.Close() == transport.StateClosed {
		return nil
	}
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch != nil {
		return ch.Close()
	}
	return nil
}
