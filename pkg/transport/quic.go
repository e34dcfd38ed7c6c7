// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/obfuscator"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// quicStream is the single bidirectional stream of a QUIC connection; closing
// it tears the connection down too.
type quicStream struct {
	io.ReadWriteCloser
	conn *quic.Conn
}

func (s quicStream) SetWriteDeadline(t time.Time) error {
	if d, ok := s.ReadWriteCloser.(writeDeadliner); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

func (s quicStream) Close() error {
	err := s.ReadWriteCloser.Close()
	s.conn.CloseWithError(0, "connection closed")
	return err
}

// QUICListener accepts QUIC connections; the first stream a client opens
// carries its frames. With a secret, the UDP socket is masked.
type QUICListener struct {
	udp  net.PacketConn
	ln   *quic.Listener
	opts Options
	log  *zap.Logger
	open tracker
}

func ListenQUIC(addr string, tlsConf *tls.Config, secret string, opts Options) (*QUICListener, error) {
	opts = opts.withDefaults()
	udp, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	var pconn net.PacketConn = udp
	if secret != "" {
		pconn = obfuscator.NewMaskedConn(udp, secret)
	}

	ln, err := quic.Listen(pconn, tlsConf, quicConfig())
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}
	return &QUICListener{
		udp:  udp,
		ln:   ln,
		opts: opts,
		log:  opts.Log.Named("quic"),
	}, nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

func (l *QUICListener) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	l.log.Info("Listening", zap.Stringer("addr", l.ln.Addr()))
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			l.log.Warn("Accept error", zap.Error(err))
			continue
		}
		go l.accept(ctx, conn, h)
	}
}

func (l *QUICListener) accept(ctx context.Context, conn *quic.Conn, h Handler) {
	l.log.Debug("New connection", zap.Stringer("remote", conn.RemoteAddr()))
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.log.Warn("Failed to accept stream", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.CloseWithError(0, "no stream")
		return
	}
	l.open.add(NewStreamChannel(quicStream{ReadWriteCloser: stream, conn: conn}, conn.RemoteAddr(), l.opts, h))
}

func (l *QUICListener) Close() error {
	if !l.open.closeAll() {
		return nil
	}
	err := l.ln.Close()
	l.udp.Close()
	return err
}

// QUICDialer opens a QUIC connection and one bidirectional stream.
type QUICDialer struct {
	TLS    *tls.Config
	Secret string
	Opts   Options
}

func (d QUICDialer) Dial(ctx context.Context, addr string, h Handler) (Channel, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	udp, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	var pconn net.PacketConn = udp
	if d.Secret != "" {
		pconn = obfuscator.NewMaskedConn(udp, d.Secret)
	}

	tlsConf := d.TLS
	if tlsConf == nil {
		host, _, _ := net.SplitHostPort(addr)
		tlsConf = &tls.Config{InsecureSkipVerify: true, ServerName: host, NextProtos: []string{ALPN}}
	}

	conn, err := quic.Dial(ctx, pconn, remote, tlsConf, quicConfig())
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("QUIC dial %s failed: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		udp.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	ch := NewStreamChannel(quicStream{ReadWriteCloser: stream, conn: conn}, conn.RemoteAddr(), d.Opts, h)
	go func() {
		<-ch.Done()
		udp.Close()
	}()
	return ch, nil
}
