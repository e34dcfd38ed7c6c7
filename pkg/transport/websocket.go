package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn maps one protocol frame onto one binary WebSocket message. The
// WebSocket layer does its own framing, so no length prefix is added.
type wsConn struct {
	conn *websocket.Conn
	opts Options
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteFrame(b []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// NewWebSocketChannel wraps an upgraded connection and starts its pumps.
func NewWebSocketChannel(conn *websocket.Conn, opts Options, h Handler) Channel {
	opts = opts.withDefaults()
	conn.SetReadLimit(int64(opts.MaxFrame))
	c := newChannel(&wsConn{conn: conn, opts: opts}, conn.RemoteAddr(), opts, h)
	c.start()
	return c
}

// WebSocketAcceptor is the http.Handler behind the server's /ws endpoint.
// Every upgraded connection becomes a Channel served by h.
type WebSocketAcceptor struct {
	upgrader websocket.Upgrader
	opts     Options
	handler  Handler
	log      *zap.Logger
	open     tracker
}

func NewWebSocketAcceptor(opts Options, h Handler) *WebSocketAcceptor {
	opts = opts.withDefaults()
	return &WebSocketAcceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are programs, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:    opts,
		handler: h,
		log:     opts.Log.Named("ws"),
	}
}

func (a *WebSocketAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("Upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	a.log.Debug("New connection", zap.Stringer("remote", conn.RemoteAddr()))
	a.open.add(NewWebSocketChannel(conn, a.opts, a.handler))
}

// Close closes every channel accepted so far and rejects later ones.
func (a *WebSocketAcceptor) Close() error {
	a.open.closeAll()
	return nil
}

// WebSocketDialer connects to the server's /ws endpoint. addr may be a full
// ws:// or wss:// URL or a bare host:port.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Opts   Options
}

func (d WebSocketDialer) Dial(ctx context.Context, addr string, h Handler) (Channel, error) {
	target := WebSocketURL(addr)
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s failed: %w", target, err)
	}
	return NewWebSocketChannel(conn, d.Opts, h), nil
}

// WebSocketURL normalises addr into a ws URL pointing at /ws.
func WebSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	return u.String()
}
