package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/config"
	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/session"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

// events records everything published on the watched topics.
type events struct {
	mu  sync.Mutex
	got []event.Event
}

func watch(t *testing.T, bus *event.Dispatcher, topics ...string) *events {
	t.Helper()
	e := &events{}
	bus.Subscribe("test", func(_ context.Context, ev event.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.got = append(e.got, ev)
	}, topics...)
	return e
}

func (e *events) all() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.got...)
}

func newBus(t *testing.T) *event.Dispatcher {
	t.Helper()
	bus := event.NewDispatcher(zap.NewNop())
	t.Cleanup(bus.Close)
	return bus
}

func TestHandlerTranslatesResponses(t *testing.T) {
	bus := newBus(t)
	seen := watch(t, bus, event.TopicLoginSucceeded, event.TopicLoginFailed)
	h := NewHandler(bus, zap.NewNop())

	h.OnReceive(nil, protocol.NewLoginResponse("abc", protocol.LoginResultSuccess))
	h.OnReceive(nil, protocol.NewLoginResponse("def", protocol.LoginResultAlreadyLogged))

	require.Eventually(t, func() bool { return len(seen.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Event{
		event.LoginSucceeded{CorrelationID: "abc"},
		event.LoginFailed{CorrelationID: "def", Reason: "ALREADY_LOGGED"},
	}, seen.all())
}

func TestHandlerCountsDataUpdates(t *testing.T) {
	h := NewHandler(newBus(t), zap.NewNop())

	h.OnReceive(nil, protocol.NewDataUpdate("5"))
	h.OnReceive(nil, protocol.NewDataUpdate("6"))
	h.OnReceive(nil, &protocol.Message{CorrelationID: "x"})

	n, last := h.Received()
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, "6", last)
}

// scriptedServer answers login requests with the next scripted result and
// SUCCESS once the script runs out.
type scriptedServer struct {
	mu       sync.Mutex
	script   []protocol.LoginResult
	requests []*protocol.Message
	closed   atomic.Int32
}

func (s *scriptedServer) OnReceive(ch transport.Channel, msg *protocol.Message) {
	s.mu.Lock()
	s.requests = append(s.requests, msg)
	result := protocol.LoginResultSuccess
	if len(s.script) > 0 {
		result, s.script = s.script[0], s.script[1:]
	}
	s.mu.Unlock()
	_ = ch.Send(protocol.NewLoginResponse(msg.CorrelationID, result))
	if result == protocol.LoginResultSuccess {
		_ = ch.Send(protocol.NewDataUpdate("5"))
	}
}

func (s *scriptedServer) OnClosed(transport.Channel, error) { s.closed.Add(1) }

func (s *scriptedServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func listen(t *testing.T, h transport.Handler) *transport.TCPListener {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0", nil, transport.Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ln.Serve(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln
}

func TestConnectionLifecycle(t *testing.T) {
	srv := &scriptedServer{}
	ln := listen(t, srv)

	bus := newBus(t)
	seen := watch(t, bus, event.TopicConnectionEstablished, event.TopicConnectionLost)
	conn := NewConnection(transport.TCPDialer{}, ln.Addr().String(), NewHandler(bus, zap.NewNop()), bus, zap.NewNop())

	assert.ErrorIs(t, conn.Send(protocol.NewLoginRequest("sdc", "")), ErrNotConnected)
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, conn.State())
	assert.Error(t, conn.Connect(context.Background()))

	require.NoError(t, conn.Send(protocol.NewLoginRequest("sdc", "")))
	require.Eventually(t, func() bool { return srv.count() == 1 }, time.Second, 5*time.Millisecond)

	// The server going away is a loss, not a close.
	require.NoError(t, ln.Close())
	select {
	case <-conn.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not detected")
	}
	assert.Equal(t, transport.StateDisconnected, conn.State())
	assert.ErrorIs(t, conn.Send(protocol.NewLoginRequest("sdc", "")), ErrNotConnected)

	require.Eventually(t, func() bool { return len(seen.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, event.TopicConnectionEstablished, seen.all()[0].Topic())
	assert.Equal(t, event.TopicConnectionLost, seen.all()[1].Topic())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, transport.StateClosed, conn.State())
}

func TestCloseIsNotALoss(t *testing.T) {
	ln := listen(t, &scriptedServer{})
	bus := newBus(t)
	seen := watch(t, bus, event.TopicConnectionLost)
	conn := NewConnection(transport.TCPDialer{}, ln.Addr().String(), NewHandler(bus, zap.NewNop()), bus, zap.NewNop())

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, seen.all())
	select {
	case <-conn.Lost():
		t.Fatal("Lost closed by a local Close")
	default:
	}
}

func TestConnectFailure(t *testing.T) {
	// Reserve a port, then free it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	bus := newBus(t)
	conn := NewConnection(transport.TCPDialer{}, addr, NewHandler(bus, zap.NewNop()), bus, zap.NewNop())
	assert.Error(t, conn.Connect(context.Background()))
	assert.Equal(t, transport.StateDisconnected, conn.State())
}

func TestClientRetriesUntilAccepted(t *testing.T) {
	srv := &scriptedServer{script: []protocol.LoginResult{
		protocol.LoginResultAlreadyLogged,
		protocol.LoginResultAlreadyLogged,
	}}
	ln := listen(t, srv)

	cfg, err := config.LoadClient("", map[string]interface{}{
		"server_addr":     ln.Addr().String(),
		"retry_delay":     "30ms",
		"attempt_timeout": "5s",
	})
	require.NoError(t, err)
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.LoginState() == session.StateAuthenticated }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, srv.count())
	stats := c.LoginStats()
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Equal(t, uint64(2), stats.Failures)
	assert.Equal(t, uint64(1), stats.Successes)

	require.Eventually(t, func() bool { n, _ := c.Received(); return n == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, transport.StateClosed, c.State())
}

func TestClientDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	cfg, err := config.LoadClient("", map[string]interface{}{"server_addr": addr})
	require.NoError(t, err)
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, c.Run(context.Background()))
}
