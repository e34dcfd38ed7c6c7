package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webdunesurfer/lesocket/pkg/ipc"
)

type Config struct {
	Addr string
	// Rate and Burst limit requests to the JSON endpoints. Rate <= 0 disables
	// limiting.
	Rate           float64
	Burst          int
	AllowedOrigins []string
}

// Server is the optional HTTP surface: health, status and the WebSocket
// transport endpoint.
type Server struct {
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	log  *zap.Logger
	done chan struct{}
}

// New builds the router. ws may be nil, in which case /ws is not served.
func New(cfg Config, p ipc.Provider, ws http.Handler, log *zap.Logger) *Server {
	log = log.Named("http")
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	})

	if ws != nil {
		router.Handle("/ws", ws)
	}

	api := router.NewRoute().Subrouter()
	if cfg.Rate > 0 {
		api.Use(rateLimit(cfg.Rate, cfg.Burst, log))
	}
	api.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": p.Status(),
			"stats":  p.Stats(),
		})
	}).Methods(http.MethodGet)
	api.HandleFunc("/clients", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Clients())
	}).Methods(http.MethodGet)
	api.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Data())
	}).Methods(http.MethodGet)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:  log,
		done: make(chan struct{}),
	}
}

// Handler exposes the full handler chain.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Listen binds the configured address. Serve must follow.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Shutdown error", zap.Error(err))
		}
	})
	defer stop()

	s.log.Info("HTTP listening", zap.Stringer("addr", s.ln.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the server immediately. Serve returns once it is closed.
func (s *Server) Close() error {
	err := s.srv.Close()
	if s.ln != nil {
		s.ln.Close()
	}
	return err
}

func rateLimit(r float64, burst int, log *zap.Logger) mux.MiddlewareFunc {
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				log.Debug("Request rate limited", zap.String("path", req.URL.Path))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "too many requests"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
