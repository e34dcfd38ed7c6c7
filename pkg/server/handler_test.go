package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/session"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

type fakeChannel struct {
	id   string
	err  error
	done chan struct{}

	mu   sync.Mutex
	sent []*protocol.Message
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, done: make(chan struct{})}
}

func (c *fakeChannel) ID() string            { return c.id }
func (c *fakeChannel) RemoteAddr() net.Addr  { return nil }
func (c *fakeChannel) Close() error          { return nil }
func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Send(msg *protocol.Message) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func newHandler(t *testing.T) (*LoginHandler, *session.Registry) {
	t.Helper()
	bus := event.NewDispatcher(zap.NewNop())
	t.Cleanup(bus.Close)
	registry := session.NewRegistry(bus, zap.NewNop())
	return NewLoginHandler(bus, registry, zap.NewNop()), registry
}

func loginRequest(id, login string) *protocol.Message {
	return &protocol.Message{CorrelationID: id, LoginRequest: &protocol.LoginRequest{Login: login}}
}

func TestLoginAccepted(t *testing.T) {
	h, registry := newHandler(t)
	ch := newFakeChannel("a")

	h.OnReceive(ch, loginRequest("abc", "sdc"))

	sent := ch.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "abc", sent[0].CorrelationID)
	assert.Equal(t, protocol.LoginResultSuccess, sent[0].LoginResponse.Result)

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []transport.Channel{ch}, registry.ListAll())
	assert.Equal(t, []string{"sdc"}, registry.Logins())
}

func TestDuplicateLoginRejected(t *testing.T) {
	h, registry := newHandler(t)
	first, second := newFakeChannel("a"), newFakeChannel("b")

	h.OnReceive(first, loginRequest("1", "sdc"))
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		id := fmt.Sprint("dup-", i)
		h.OnReceive(second, loginRequest(id, "sdc"))
		last := second.messages()[i]
		assert.Equal(t, id, last.CorrelationID)
		assert.Equal(t, protocol.LoginResultAlreadyLogged, last.LoginResponse.Result)
	}
	assert.Equal(t, 1, registry.Len())

	// Once the holder disconnects the name is free again.
	h.OnClosed(first, nil)
	assert.Zero(t, registry.Len())
	h.OnReceive(second, loginRequest("again", "sdc"))
	assert.Equal(t, protocol.LoginResultSuccess, second.messages()[3].LoginResponse.Result)
}

func TestConcurrentDuplicateLogins(t *testing.T) {
	h, registry := newHandler(t)

	const n = 32
	channels := make([]*fakeChannel, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range channels {
		channels[i] = newFakeChannel(fmt.Sprint("conn-", i))
		wg.Add(1)
		go func(ch *fakeChannel) {
			defer wg.Done()
			<-start
			h.OnReceive(ch, loginRequest(ch.id, "sdc"))
		}(channels[i])
	}
	close(start)
	wg.Wait()

	var successes atomic.Int32
	for _, ch := range channels {
		if ch.messages()[0].LoginResponse.Result == protocol.LoginResultSuccess {
			successes.Add(1)
		}
	}
	assert.Equal(t, int32(1), successes.Load())
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, registry.Len())
}

func TestFailedResponseReleasesClaim(t *testing.T) {
	h, registry := newHandler(t)
	broken := newFakeChannel("broken")
	broken.err = transport.ErrChannelClosed

	h.OnReceive(broken, loginRequest("1", "sdc"))
	assert.False(t, registry.Contains("sdc"))
}

func TestFailedResponseKeepsExistingRegistration(t *testing.T) {
	h, registry := newHandler(t)
	ch := newFakeChannel("a")

	h.OnReceive(ch, loginRequest("1", "a"))
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)

	ch.err = transport.ErrSendQueueFull
	h.OnReceive(ch, loginRequest("2", "b"))

	assert.False(t, registry.Contains("b"))
	assert.Equal(t, []string{"a"}, registry.Logins())
	assert.Equal(t, []transport.Channel{ch}, registry.ListAll())
}

func TestUnexpectedMessagesAreIgnored(t *testing.T) {
	h, registry := newHandler(t)
	ch := newFakeChannel("a")

	h.OnReceive(ch, protocol.NewDataUpdate("5"))
	h.OnReceive(ch, &protocol.Message{CorrelationID: "empty"})
	h.OnReceive(ch, protocol.NewLoginResponse("x", protocol.LoginResultSuccess))

	assert.Empty(t, ch.messages())
	assert.Zero(t, registry.Len())
}

// loopbackChannel is the server end of an in-memory connection. Login
// responses are published on the client's bus, the first one after a delay.
type loopbackChannel struct {
	*fakeChannel
	client event.Bus
	delay  time.Duration
	n      atomic.Int32
}

func (c *loopbackChannel) Send(msg *protocol.Message) error {
	if msg.Kind() != protocol.MessageTypeLoginResponse {
		return nil
	}
	var ev event.Event = event.LoginSucceeded{CorrelationID: msg.CorrelationID}
	if msg.LoginResponse.Result != protocol.LoginResultSuccess {
		ev = event.LoginFailed{CorrelationID: msg.CorrelationID, Reason: msg.LoginResponse.Result.String()}
	}
	if c.n.Add(1) == 1 {
		time.AfterFunc(c.delay, func() { c.client.Publish(ev) })
		return nil
	}
	c.client.Publish(ev)
	return nil
}

type handlerSender struct {
	h  *LoginHandler
	ch transport.Channel

	mu   sync.Mutex
	sent int
}

func (s *handlerSender) Send(msg *protocol.Message) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	s.h.OnReceive(s.ch, msg)
	return nil
}

func (s *handlerSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func TestSlowFirstResponseStillAuthenticates(t *testing.T) {
	h, registry := newHandler(t)
	clientBus := event.NewDispatcher(zap.NewNop())
	t.Cleanup(clientBus.Close)

	ch := &loopbackChannel{fakeChannel: newFakeChannel("a"), client: clientBus, delay: 80 * time.Millisecond}
	sender := &handlerSender{h: h, ch: ch}
	m := session.NewLoginManager(session.LoginConfig{Login: "sdc", RetryDelay: 50 * time.Millisecond}, clientBus, sender, zap.NewNop())
	t.Cleanup(m.Close)

	m.OnConnectionEstablished()
	require.Eventually(t, func() bool { return m.State() == session.StateAuthenticated }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sdc"}, registry.Logins())

	sent := sender.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, session.StateAuthenticated, m.State())
	assert.Equal(t, sent, sender.count(), "no further login requests once authenticated")
	assert.Equal(t, uint64(1), m.Stats().Successes)
}
