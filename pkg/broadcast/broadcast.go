package broadcast

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

// Targets lists the channels an update goes to. *session.Registry implements it.
type Targets interface {
	ListAll() []transport.Channel
}

type Stats struct {
	Updates    uint64 `json:"updates"`
	Deliveries uint64 `json:"deliveries"`
	Failures   uint64 `json:"failures"`
}

// Manager turns every DataUpdated event into one DataUpdate message per
// registered channel. Each channel has its own outbound queue, so a slow or
// broken client never holds up the others. Failed sends are not retried.
type Manager struct {
	targets Targets
	log     *zap.Logger
	sub     *event.Subscription

	updates    atomic.Uint64
	deliveries atomic.Uint64
	failures   atomic.Uint64
}

func NewManager(bus event.Bus, targets Targets, log *zap.Logger) *Manager {
	m := &Manager{targets: targets, log: log.Named("broadcast")}
	m.sub = bus.Subscribe("broadcast", m.handle, event.TopicDataUpdated)
	return m
}

func (m *Manager) handle(_ context.Context, ev event.Event) {
	upd, ok := ev.(event.DataUpdated)
	if !ok {
		return
	}
	m.Broadcast(upd.Element)
}

// Broadcast sends label to every current target and returns how many
// channels accepted it.
func (m *Manager) Broadcast(label string) int {
	msg := protocol.NewDataUpdate(label)
	targets := m.targets.ListAll()
	m.updates.Add(1)

	sent := 0
	for _, ch := range targets {
		if err := ch.Send(msg); err != nil {
			m.failures.Add(1)
			m.log.Warn("Failed to send data update",
				zap.String("channel", ch.ID()),
				zap.String("label", label),
				zap.Error(err))
			continue
		}
		sent++
	}
	m.deliveries.Add(uint64(sent))
	m.log.Debug("Sending data to clients", zap.String("label", label), zap.Int("clients", len(targets)), zap.Int("sent", sent))
	return sent
}

func (m *Manager) Stats() Stats {
	return Stats{
		Updates:    m.updates.Load(),
		Deliveries: m.deliveries.Load(),
		Failures:   m.failures.Load(),
	}
}

func (m *Manager) Close() {
	m.sub.Unsubscribe()
}
