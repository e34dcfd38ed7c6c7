package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

// Handler turns inbound server messages into login events and counts data
// updates.
type Handler struct {
	bus event.Bus
	log *zap.Logger

	mu       sync.Mutex
	received uint64
	last     string
}

func NewHandler(bus event.Bus, log *zap.Logger) *Handler {
	return &Handler{bus: bus, log: log.Named("handler")}
}

func (h *Handler) OnReceive(ch transport.Channel, msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.MessageTypeLoginResponse:
		result := msg.LoginResponse.Result
		if result == protocol.LoginResultSuccess {
			h.bus.Publish(event.LoginSucceeded{CorrelationID: msg.CorrelationID})
			return
		}
		h.bus.Publish(event.LoginFailed{CorrelationID: msg.CorrelationID, Reason: result.String()})
	case protocol.MessageTypeDataUpdate:
		h.mu.Lock()
		h.received++
		h.last = msg.DataUpdate.Label
		h.mu.Unlock()
		h.log.Info("Data update", zap.String("label", msg.DataUpdate.Label))
	default:
		h.log.Warn("Ignoring unexpected message", zap.Stringer("message", msg))
	}
}

func (h *Handler) OnClosed(ch transport.Channel, err error) {
	h.log.Debug("Channel closed", zap.String("channel", ch.ID()), zap.Error(err))
}

// Received returns the number of data updates seen and the latest label.
func (h *Handler) Received() (uint64, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received, h.last
}
