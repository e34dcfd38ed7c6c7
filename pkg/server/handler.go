package server

import (
	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/session"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

// LoginHandler answers login requests on every server channel. Credentials are
// not verified: a login is refused only while another connection holds the
// same name.
type LoginHandler struct {
	bus      event.Bus
	registry *session.Registry
	log      *zap.Logger
}

func NewLoginHandler(bus event.Bus, registry *session.Registry, log *zap.Logger) *LoginHandler {
	return &LoginHandler{bus: bus, registry: registry, log: log.Named("handler")}
}

func (h *LoginHandler) OnReceive(ch transport.Channel, msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.MessageTypeLoginRequest:
		h.login(ch, msg)
	default:
		h.log.Warn("Ignoring unexpected message", zap.String("channel", ch.ID()), zap.Stringer("message", msg))
	}
}

func (h *LoginHandler) login(ch transport.Channel, msg *protocol.Message) {
	login := msg.LoginRequest.Login
	result := protocol.LoginResultAlreadyLogged
	if h.registry.Claim(login, ch.ID()) {
		result = protocol.LoginResultSuccess
	}

	h.log.Info("Login request",
		zap.String("login", login),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("channel", ch.ID()),
		zap.Stringer("result", result))

	if err := ch.Send(protocol.NewLoginResponse(msg.CorrelationID, result)); err != nil {
		h.log.Warn("Failed to send login response", zap.String("channel", ch.ID()), zap.Error(err))
		if result == protocol.LoginResultSuccess {
			h.registry.Release(login, ch.ID())
		}
		return
	}
	if result == protocol.LoginResultSuccess {
		h.bus.Publish(event.LoginAccepted{Channel: ch, Login: login})
	}
}

func (h *LoginHandler) OnClosed(ch transport.Channel, err error) {
	h.registry.Remove(ch.ID())
}
