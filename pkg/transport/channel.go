package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/protocol"
)

// frameConn moves whole encoded frames. ReadFrame is only called from the read
// pump and WriteFrame only from the write pump.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error
	Close() error
}

// channel runs a read pump and a write pump over a frameConn. Outbound messages
// go through a bounded queue so a slow peer only delays its own traffic.
type channel struct {
	id      string
	remote  net.Addr
	conn    frameConn
	opts    Options
	handler Handler
	log     *zap.Logger

	send chan *protocol.Message
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newChannel(conn frameConn, remote net.Addr, opts Options, h Handler) *channel {
	opts = opts.withDefaults()
	id := newChannelID(remote)
	return &channel{
		id:      id,
		remote:  remote,
		conn:    conn,
		opts:    opts,
		handler: h,
		log:     opts.Log.With(zap.String("channel", id)),
		send:    make(chan *protocol.Message, opts.SendQueue),
		done:    make(chan struct{}),
	}
}

func (c *channel) start() {
	go c.readPump()
	go c.writePump()
}

func (c *channel) ID() string            { return c.id }
func (c *channel) RemoteAddr() net.Addr  { return c.remote }
func (c *channel) Done() <-chan struct{} { return c.done }

func (c *channel) Send(msg *protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *channel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *channel) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debug("Close error", zap.Error(err))
		}
		if cause != nil && !isClosedErr(cause) {
			c.log.Info("Channel closed", zap.Error(cause))
		} else {
			c.log.Debug("Channel closed")
		}
		if c.handler != nil {
			c.handler.OnClosed(c, cause)
		}
	})
}

func (c *channel) readPump() {
	for {
		payload, err := c.conn.ReadFrame()
		if err != nil {
			c.closeWithError(err)
			return
		}
		msg, err := c.opts.Codec.Unmarshal(payload)
		if err != nil {
			c.log.Warn("Discarding undecodable frame", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}
		if c.handler != nil {
			c.handler.OnReceive(c, msg)
		}
	}
}

func (c *channel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			b, err := c.opts.Codec.Marshal(msg)
			if err != nil {
				c.log.Warn("Dropping unencodable message", zap.Stringer("message", msg), zap.Error(err))
				continue
			}
			if err := c.conn.WriteFrame(b); err != nil {
				c.closeWithError(err)
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// tracker remembers the open channels of a listener so Close can take them
// all down.
type tracker struct {
	mu       sync.Mutex
	channels map[string]Channel
	closed   bool
}

// add registers ch until it closes. A closed tracker closes ch right away.
func (t *tracker) add(ch Channel) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ch.Close()
		return
	}
	if t.channels == nil {
		t.channels = make(map[string]Channel)
	}
	t.channels[ch.ID()] = ch
	t.mu.Unlock()

	go func() {
		<-ch.Done()
		t.mu.Lock()
		delete(t.channels, ch.ID())
		t.mu.Unlock()
	}()
}

// closeAll marks the tracker closed and closes every open channel. It reports
// false if the tracker was already closed.
func (t *tracker) closeAll() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	channels := make([]Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return true
}
