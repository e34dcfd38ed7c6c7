// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webdunesurfer/lesocket/pkg/broadcast"
	"github.com/webdunesurfer/lesocket/pkg/certutil"
	"github.com/webdunesurfer/lesocket/pkg/config"
	"github.com/webdunesurfer/lesocket/pkg/data"
	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/httpapi"
	"github.com/webdunesurfer/lesocket/pkg/ipc"
	"github.com/webdunesurfer/lesocket/pkg/session"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

const Version = "0.1.0"

// Server wires the registry, repository, update source and broadcast manager
// behind a transport listener.
type Server struct {
	cfg *config.Server
	log *zap.Logger

	bus       *event.Dispatcher
	registry  *session.Registry
	repo      *data.Repository
	source    data.Source
	broadcast *broadcast.Manager
	handler   *LoginHandler

	listener transport.Listener
	ws       *transport.WebSocketAcceptor
	ipc      *ipc.Server
	http     *httpapi.Server

	state   transport.Lifecycle
	started time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds the server and binds every socket. Errors here are startup
// failures.
func New(cfg *config.Server, log *zap.Logger) (*Server, error) {
	opts, err := cfg.Transport.Options(log)
	if err != nil {
		return nil, err
	}
	kind, err := transport.ParseKind(cfg.Transport.Kind)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: log.Named("server"), started: time.Now()}
	s.bus = event.NewDispatcher(log)
	s.registry = session.NewRegistry(s.bus, log)
	s.repo = data.NewRepository(s.bus, log)
	s.broadcast = broadcast.NewManager(s.bus, s.registry, log)
	s.handler = NewLoginHandler(s.bus, s.registry, log)

	s.source, err = data.NewSource(sourceConfig(cfg.Source), s.repo, log)
	if err != nil {
		s.teardown()
		return nil, err
	}

	var tlsConf *tls.Config
	if cfg.Transport.TLS || kind == transport.KindQUIC {
		if tlsConf, err = certutil.GenerateSelfSignedConfig(transport.ALPN); err != nil {
			s.teardown()
			return nil, err
		}
	}

	switch kind {
	case transport.KindTCP:
		ln, err := transport.ListenTCP(cfg.ListenAddr, tlsConf, opts)
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.listener = ln
	case transport.KindQUIC:
		ln, err := transport.ListenQUIC(cfg.ListenAddr, tlsConf, cfg.Transport.ObfuscateSecret, opts)
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.listener = ln
	case transport.KindWebSocket:
		if cfg.HTTP.Addr == "" {
			s.teardown()
			return nil, fmt.Errorf("the ws transport needs an HTTP address")
		}
	}

	if cfg.IPCAddr != "" {
		if s.ipc, err = ipc.Listen(cfg.IPCAddr, cfg.IPCSecret, s, log); err != nil {
			s.teardown()
			return nil, err
		}
	}

	if cfg.HTTP.Addr != "" {
		s.ws = transport.NewWebSocketAcceptor(opts, s.handler)
		s.http = httpapi.New(httpapi.Config{
			Addr:           cfg.HTTP.Addr,
			Rate:           cfg.HTTP.Rate,
			Burst:          cfg.HTTP.Burst,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}, s, s.ws, log)
		if err := s.http.Listen(); err != nil {
			s.teardown()
			return nil, err
		}
	}
	return s, nil
}

func sourceConfig(c config.Source) data.Config {
	return data.Config{
		Kind: data.Kind(c.Kind),
		Simulation: data.SimulationConfig{
			Seed:     c.Seed,
			Interval: c.Interval,
			Ceiling:  c.Ceiling,
		},
		Redis: data.RedisConfig{URL: c.Redis.URL, Channel: c.Redis.Channel},
		Kafka: data.KafkaConfig{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic, GroupID: c.Kafka.GroupID},
		AMQP:  data.AMQPConfig{URL: c.AMQP.URL, Queue: c.AMQP.Queue},
	}
}

// Run serves until ctx is done, Close is called, or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if !s.state.Transition(transport.StateDisconnected, transport.StateConnecting) {
		return fmt.Errorf("server already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer s.Close()

	g, ctx := errgroup.WithContext(ctx)
	if s.listener != nil {
		g.Go(func() error { return s.listener.Serve(ctx, s.handler) })
	}
	if s.ipc != nil {
		g.Go(func() error { return s.ipc.Serve(ctx) })
	}
	if s.http != nil {
		g.Go(func() error { return s.http.Serve(ctx) })
	}
	g.Go(func() error {
		if err := s.source.Start(ctx); err != nil {
			return fmt.Errorf("%s source: %w", s.source.Name(), err)
		}
		return nil
	})

	s.state.Transition(transport.StateConnecting, transport.StateConnected)
	s.log.Info("Server started",
		zap.String("version", Version),
		zap.String("transport", s.cfg.Transport.Kind),
		zap.String("source", s.source.Name()))

	<-ctx.Done()
	return g.Wait()
}

// Close stops every component. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.state.Close()
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		s.teardown()
		s.log.Info("Server stopped")
	})
	return nil
}

func (s *Server) teardown() {
	if s.source != nil {
		s.source.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.ws != nil {
		s.ws.Close()
	}
	if s.ipc != nil {
		s.ipc.Close()
	}
	if s.http != nil {
		s.http.Close()
	}
	if s.broadcast != nil {
		s.broadcast.Close()
	}
	s.registry.Close()
	s.bus.Close()
}

// Addr is the transport listen address, or the HTTP address for the
// WebSocket transport.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	if s.http != nil {
		return s.http.Addr()
	}
	return nil
}

func (s *Server) IPCAddr() net.Addr {
	if s.ipc == nil {
		return nil
	}
	return s.ipc.Addr()
}

func (s *Server) HTTPAddr() net.Addr {
	if s.http == nil {
		return nil
	}
	return s.http.Addr()
}

func (s *Server) Repository() *data.Repository { return s.repo }
func (s *Server) Registry() *session.Registry  { return s.registry }

func (s *Server) Status() ipc.Status {
	st := ipc.Status{
		State:         s.state.Load().String(),
		Transport:     s.cfg.Transport.Kind,
		Source:        s.source.Name(),
		ServerVersion: Version,
	}
	if addr := s.Addr(); addr != nil {
		st.ListenAddr = addr.String()
	}
	return st
}

func (s *Server) Stats() ipc.Stats {
	b := s.broadcast.Stats()
	published, dead := s.bus.Stats()
	return ipc.Stats{
		Clients:         s.registry.Len(),
		Elements:        s.repo.Len(),
		Updates:         b.Updates,
		Deliveries:      b.Deliveries,
		Failures:        b.Failures,
		EventsPublished: published,
		DeadEvents:      dead,
		Uptime:          int64(time.Since(s.started).Seconds()),
	}
}

func (s *Server) Clients() []string { return s.registry.Logins() }
func (s *Server) Data() []string    { return s.repo.FindAll() }
