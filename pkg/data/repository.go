package data

import (
	"sync"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
)

// Repository is the ordered, append-only store of data values. Every Add
// publishes a DataUpdated event carrying the appended value.
type Repository struct {
	bus event.Bus
	log *zap.Logger

	mu       sync.RWMutex
	elements []string
}

func NewRepository(bus event.Bus, log *zap.Logger) *Repository {
	return &Repository{bus: bus, log: log.Named("repository")}
}

// SetElements replaces the whole content. No event is published.
func (r *Repository) SetElements(elements []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements = append(r.elements[:0:0], elements...)
	r.log.Debug("Repository reset", zap.Int("size", len(r.elements)))
}

// Add appends element and publishes it. The event is published under the
// write lock, so publish order always matches append order.
func (r *Repository) Add(element string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements = append(r.elements, element)
	r.bus.Publish(event.DataUpdated{Element: element})
}

// FindAll returns a copy of the current content.
func (r *Repository) FindAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.elements...)
}

func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.elements)
}
