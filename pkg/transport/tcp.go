package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// TCPListener accepts plain or TLS TCP connections.
type TCPListener struct {
	ln   net.Listener
	opts Options
	log  *zap.Logger
	open tracker
}

// ListenTCP binds addr. A nil tlsConf serves plain TCP.
func ListenTCP(addr string, tlsConf *tls.Config, opts Options) (*TCPListener, error) {
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	return &TCPListener{
		ln:   ln,
		opts: opts,
		log:  opts.Log.Named("tcp"),
	}, nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	l.log.Info("Listening", zap.Stringer("addr", l.ln.Addr()))
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			l.log.Warn("Accept error", zap.Error(err))
			continue
		}
		setNoDelay(conn)
		l.log.Debug("New connection", zap.Stringer("remote", conn.RemoteAddr()))
		l.open.add(NewStreamChannel(conn, conn.RemoteAddr(), l.opts, h))
	}
}

// Close stops accepting and closes every channel accepted so far.
func (l *TCPListener) Close() error {
	if !l.open.closeAll() {
		return nil
	}
	return l.ln.Close()
}

// TCPDialer connects over TCP, optionally wrapping the connection in TLS.
type TCPDialer struct {
	TLS  *tls.Config
	Opts Options
}

func (d TCPDialer) Dial(ctx context.Context, addr string, h Handler) (Channel, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	setNoDelay(conn)

	if d.TLS != nil {
		cfg := d.TLS.Clone()
		if cfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(addr)
			cfg.ServerName = host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
		}
		conn = tlsConn
	}
	return NewStreamChannel(conn, conn.RemoteAddr(), d.Opts, h), nil
}

func setNoDelay(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}
