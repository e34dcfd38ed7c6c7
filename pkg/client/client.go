// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package client

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/certutil"
	"github.com/webdunesurfer/lesocket/pkg/config"
	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/session"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

// Client connects once, logs in and then just receives data updates.
type Client struct {
	cfg *config.Client
	log *zap.Logger

	bus     *event.Dispatcher
	handler *Handler
	conn    *Connection
	login   *session.LoginManager
}

func New(cfg *config.Client, log *zap.Logger) (*Client, error) {
	opts, err := cfg.Transport.Options(log)
	if err != nil {
		return nil, err
	}
	dialer, err := NewDialer(cfg, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, log: log.Named("client")}
	c.bus = event.NewDispatcher(log)
	c.handler = NewHandler(c.bus, log)
	c.conn = NewConnection(dialer, cfg.ServerAddr, c.handler, c.bus, log)
	c.login = session.NewLoginManager(session.LoginConfig{
		Login:          cfg.Login,
		Password:       cfg.Password,
		RetryDelay:     cfg.RetryDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	}, c.bus, c.conn, log)
	return c, nil
}

// NewDialer picks the transport dialer described by cfg.
func NewDialer(cfg *config.Client, opts transport.Options) (transport.Dialer, error) {
	kind, err := transport.ParseKind(cfg.Transport.Kind)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(cfg.ServerAddr)

	switch kind {
	case transport.KindQUIC:
		return transport.QUICDialer{
			TLS:    certutil.InsecureClientConfig(host, transport.ALPN),
			Secret: cfg.Transport.ObfuscateSecret,
			Opts:   opts,
		}, nil
	case transport.KindWebSocket:
		return transport.WebSocketDialer{Opts: opts}, nil
	default:
		d := transport.TCPDialer{Opts: opts}
		if cfg.Transport.TLS {
			d.TLS = certutil.InsecureClientConfig(host, transport.ALPN)
		}
		return d, nil
	}
}

// Run connects and blocks until ctx is done or the connection is lost. A
// failed dial is returned; anything after that is absorbed.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-c.conn.Lost():
		c.log.Warn("Server connection lost, not reconnecting")
	}
	return nil
}

// Close cancels login retries and releases the connection.
func (c *Client) Close() error {
	c.login.Close()
	err := c.conn.Close()
	c.bus.Close()
	return err
}

func (c *Client) State() transport.State         { return c.conn.State() }
func (c *Client) LoginState() session.LoginState { return c.login.State() }
func (c *Client) LoginStats() session.LoginStats { return c.login.Stats() }
func (c *Client) Received() (uint64, string)     { return c.handler.Received() }
