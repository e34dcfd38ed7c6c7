package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
)

const DefaultRetryDelay = 60 * time.Second

// maxExpired bounds how many timed-out attempts are remembered for a late
// success.
const maxExpired = 16

// Sender is the outbound half of the client connection.
type Sender interface {
	Send(msg *protocol.Message) error
}

type LoginState int32

const (
	StateIdle LoginState = iota
	StateAwaitingResponse
	StateAuthenticated
	StateRetryScheduled
)

func (s LoginState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRetryScheduled:
		return "RETRY_SCHEDULED"
	default:
		return "UNKNOWN"
	}
}

type LoginConfig struct {
	Login    string
	Password string
	// RetryDelay separates a failed attempt from the next one.
	RetryDelay time.Duration
	// AttemptTimeout bounds how long an unanswered attempt stays pending.
	// Zero means RetryDelay.
	AttemptTimeout time.Duration
}

// LoginStats summarises resolved and abandoned attempts.
type LoginStats struct {
	Attempts    uint64        `json:"attempts"`
	Successes   uint64        `json:"successes"`
	Failures    uint64        `json:"failures"`
	Timeouts    uint64        `json:"timeouts"`
	Pending     int           `json:"pending"`
	LastLatency time.Duration `json:"last_latency"`
	MeanLatency time.Duration `json:"mean_latency"`
}

type expiredAttempt struct {
	id      string
	started time.Time
}

type timerAction int

const (
	actionNone timerAction = iota
	actionRetry
	actionTimeout
)

// LoginManager drives the client side of the handshake. It sends a login
// request once the connection is up, matches responses by correlation id and
// retries failed attempts after a fixed delay, without limit.
type LoginManager struct {
	cfg    LoginConfig
	bus    event.Bus
	sender Sender
	log    *zap.Logger
	sub    *event.Subscription

	mu      sync.Mutex
	state   LoginState
	pending map[string]time.Time
	closed  bool

	// expired holds timed-out attempts in timeout order. The server may still
	// have accepted one of them; its late success authenticates the session.
	expired []expiredAttempt

	// One timer serves both the retry delay and the attempt timeout. due and
	// action describe what it is armed for; a fire that finds due unset or in
	// the future is stale and ignored.
	timer  *time.Timer
	due    time.Time
	action timerAction

	stats        LoginStats
	totalLatency time.Duration
}

// NewLoginManager subscribes to connection and login events on bus.
func NewLoginManager(cfg LoginConfig, bus event.Bus, sender Sender, log *zap.Logger) *LoginManager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = cfg.RetryDelay
	}
	m := &LoginManager{
		cfg:     cfg,
		bus:     bus,
		sender:  sender,
		log:     log.Named("login"),
		pending: make(map[string]time.Time),
	}
	m.timer = time.AfterFunc(time.Hour, m.fire)
	m.timer.Stop()

	m.sub = bus.Subscribe("login-manager", m.handle,
		event.TopicConnectionEstablished,
		event.TopicConnectionLost,
		event.TopicLoginSucceeded,
		event.TopicLoginFailed,
	)
	return m
}

func (m *LoginManager) handle(_ context.Context, ev event.Event) {
	switch e := ev.(type) {
	case event.ConnectionEstablished:
		m.OnConnectionEstablished()
	case event.ConnectionLost:
		m.log.Warn("Connection lost", zap.String("remote", e.Remote), zap.Error(e.Err), zap.Stringer("state", m.State()))
	case event.LoginSucceeded:
		m.OnLoginSuccess(e.CorrelationID)
	case event.LoginFailed:
		m.OnLoginFailure(e.CorrelationID, e.Reason)
	}
}

// OnConnectionEstablished starts the handshake. It only acts from IDLE.
func (m *LoginManager) OnConnectionEstablished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.state != StateIdle {
		m.log.Debug("Ignoring connection event", zap.Stringer("state", m.state))
		return
	}
	m.attempt()
}

// OnLoginSuccess resolves the matching attempt. Unknown ids are ignored.
func (m *LoginManager) OnLoginSuccess(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	started, ok := m.discard(correlationID)
	if !ok {
		started, ok = m.takeExpired(correlationID)
		if !ok {
			m.log.Debug("No pending login for response", zap.String("correlation_id", correlationID))
			return
		}
		// Attempts sent after the timed-out one are superseded; their
		// responses are now stale.
		clear(m.pending)
		m.log.Info("Late response for timed-out login attempt", zap.String("correlation_id", correlationID))
	}
	m.expired = m.expired[:0]
	latency := time.Since(started)
	m.stats.Successes++
	m.stats.LastLatency = latency
	m.totalLatency += latency
	m.stats.MeanLatency = m.totalLatency / time.Duration(m.stats.Successes)

	m.state = StateAuthenticated
	m.disarm()
	m.log.Info("Login succeeded", zap.String("login", m.cfg.Login), zap.String("correlation_id", correlationID), zap.Duration("latency", latency))
}

// OnLoginFailure discards the matching attempt and schedules a retry with a
// fresh correlation id. Failures for unknown ids are ignored.
func (m *LoginManager) OnLoginFailure(correlationID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.discard(correlationID); !ok {
		m.takeExpired(correlationID)
		m.log.Debug("No pending login for failure", zap.String("correlation_id", correlationID))
		return
	}
	m.stats.Failures++
	if m.closed {
		return
	}
	m.state = StateRetryScheduled
	m.arm(m.cfg.RetryDelay, actionRetry)
	m.log.Warn("Login failed, retry scheduled",
		zap.String("login", m.cfg.Login),
		zap.String("correlation_id", correlationID),
		zap.String("reason", reason),
		zap.Duration("retry_in", m.cfg.RetryDelay))
}

// Discard drops a pending attempt. It reports whether one was found.
func (m *LoginManager) Discard(correlationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.discard(correlationID)
	return ok
}

func (m *LoginManager) discard(correlationID string) (time.Time, bool) {
	started, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	return started, ok
}

func (m *LoginManager) takeExpired(correlationID string) (time.Time, bool) {
	for i, e := range m.expired {
		if e.id == correlationID {
			m.expired = append(m.expired[:i], m.expired[i+1:]...)
			return e.started, true
		}
	}
	return time.Time{}, false
}

func (m *LoginManager) expire(id string, started time.Time) {
	if len(m.expired) == maxExpired {
		m.expired = append(m.expired[:0], m.expired[1:]...)
	}
	m.expired = append(m.expired, expiredAttempt{id: id, started: started})
}

// attempt sends a new request. Caller holds mu.
func (m *LoginManager) attempt() {
	req := protocol.NewLoginRequest(m.cfg.Login, m.cfg.Password)
	id := req.CorrelationID
	m.pending[id] = time.Now()
	m.stats.Attempts++
	m.state = StateAwaitingResponse
	m.arm(m.cfg.AttemptTimeout, actionTimeout)

	m.log.Debug("Sending login request", zap.String("login", m.cfg.Login), zap.String("correlation_id", id))
	if err := m.sender.Send(req); err != nil {
		m.bus.Publish(event.LoginFailed{CorrelationID: id, Reason: err.Error()})
	}
}

func (m *LoginManager) arm(d time.Duration, action timerAction) {
	m.due = time.Now().Add(d)
	m.action = action
	m.timer.Reset(d)
}

func (m *LoginManager) disarm() {
	m.timer.Stop()
	m.due = time.Time{}
	m.action = actionNone
}

func (m *LoginManager) fire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.due.IsZero() || time.Now().Before(m.due) {
		return
	}
	action := m.action
	m.due = time.Time{}
	m.action = actionNone

	switch action {
	case actionRetry:
		if m.state != StateRetryScheduled {
			return
		}
		m.log.Info("Retrying login", zap.String("login", m.cfg.Login))
		m.attempt()
	case actionTimeout:
		if m.state != StateAwaitingResponse {
			return
		}
		for id, started := range m.pending {
			delete(m.pending, id)
			m.expire(id, started)
			m.stats.Timeouts++
			m.log.Warn("Login response timed out", zap.String("correlation_id", id), zap.Duration("timeout", m.cfg.AttemptTimeout))
		}
		m.attempt()
	}
}

func (m *LoginManager) State() LoginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the number of unresolved attempts.
func (m *LoginManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *LoginManager) Stats() LoginStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	return s
}

// Close cancels any scheduled retry or timeout and stops event handling.
// Pending attempts are dropped.
func (m *LoginManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.disarm()
	clear(m.pending)
	m.expired = nil
	m.mu.Unlock()

	m.sub.Unsubscribe()
}
