package transport

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/webdunesurfer/lesocket/pkg/protocol"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn frames messages over a byte stream (TCP, TLS or a QUIC stream)
// with varint length prefixes, optionally through a compressor.
type streamConn struct {
	rwc  io.ReadWriteCloser
	opts Options

	reader protocol.FrameReader
	writer flushWriter
}

func newStreamConn(rwc io.ReadWriteCloser, opts Options) *streamConn {
	opts = opts.withDefaults()
	return &streamConn{
		rwc:    rwc,
		opts:   opts,
		writer: opts.Compression.newWriter(rwc),
	}
}

func (s *streamConn) ReadFrame() ([]byte, error) {
	if s.reader == nil {
		r, err := s.opts.Compression.newReader(bufio.NewReader(s.rwc))
		if err != nil {
			return nil, err
		}
		s.reader = bufio.NewReader(r)
	}
	return protocol.ReadFrame(s.reader, s.opts.MaxFrame)
}

func (s *streamConn) WriteFrame(b []byte) error {
	if d, ok := s.rwc.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := protocol.WriteFrame(s.writer, b); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *streamConn) Close() error {
	return s.rwc.Close()
}

// NewStreamChannel wraps an established byte stream and starts its pumps.
func NewStreamChannel(rwc io.ReadWriteCloser, remote net.Addr, opts Options, h Handler) Channel {
	c := newChannel(newStreamConn(rwc, opts), remote, opts, h)
	c.start()
	return c
}
