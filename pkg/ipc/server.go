package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

// Server answers one JSON request per connection on a local TCP socket.
type Server struct {
	ln       net.Listener
	secret   string
	provider Provider
	log      *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds addr. When secret is set, requests must carry it.
func Listen(addr, secret string, p Provider, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{ln: ln, secret: secret, provider: p, log: log.Named("ipc")}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("Control socket listening", zap.Stringer("addr", s.ln.Addr()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("Accept error", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

func (s *Server) handle(c net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("IPC handler panic", zap.Any("panic", r))
		}
		c.Close()
	}()
	_ = c.SetDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := json.NewDecoder(c).Decode(&req); err != nil {
		s.log.Debug("Bad request", zap.Error(err))
		return
	}
	json.NewEncoder(c).Encode(s.respond(req))
}

func (s *Server) respond(req Request) Response {
	if s.secret != "" && subtle.ConstantTimeCompare([]byte(req.IPCSecret), []byte(s.secret)) != 1 {
		s.log.Warn("Rejected request with bad secret", zap.String("command", string(req.Command)))
		return Response{Status: StatusError, Message: "unauthorized"}
	}

	s.log.Debug("Request", zap.String("command", string(req.Command)))
	switch req.Command {
	case CmdGetStatus:
		return Response{Status: StatusSuccess, Data: s.provider.Status()}
	case CmdGetStats:
		return Response{Status: StatusSuccess, Data: s.provider.Stats()}
	case CmdGetClients:
		return Response{Status: StatusSuccess, Data: s.provider.Clients()}
	case CmdGetData:
		return Response{Status: StatusSuccess, Data: s.provider.Data()}
	default:
		return Response{Status: StatusError, Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
}
