// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package session

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/event"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

type entry struct {
	ch    transport.Channel
	login string
}

// Registry is the server-side set of logged-in connections, keyed by channel
// identity. Only registered connections receive broadcasts.
//
// A login name moves through two stages: the login handler reserves it with
// Claim, and the registry turns the reservation into an entry when it consumes
// the matching LoginAccepted event.
type Registry struct {
	log *zap.Logger
	sub *event.Subscription

	mu      sync.RWMutex
	entries map[string]entry  // identity -> entry
	refs    map[string]int    // login -> number of entries holding it
	claims  map[string]string // login -> identity, not yet registered
}

// NewRegistry creates a registry fed by LoginAccepted events from bus.
func NewRegistry(bus event.Bus, log *zap.Logger) *Registry {
	r := &Registry{
		log:     log.Named("registry"),
		entries: make(map[string]entry),
		refs:    make(map[string]int),
		claims:  make(map[string]string),
	}
	if bus != nil {
		r.sub = bus.Subscribe("registry", r.handle, event.TopicLoginAccepted)
	}
	return r
}

func (r *Registry) handle(_ context.Context, ev event.Event) {
	accepted, ok := ev.(event.LoginAccepted)
	if !ok || accepted.Channel == nil {
		return
	}
	ch := accepted.Channel
	if isDone(ch) {
		// The connection went away before its login was processed.
		r.Remove(ch.ID())
		return
	}
	r.Register(ch, accepted.Login)
	if isDone(ch) {
		r.Remove(ch.ID())
	}
}

// Register inserts or overwrites the mapping for ch. It does not check whether
// the login is held by another connection.
func (r *Registry) Register(ch transport.Channel, login string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ch.ID()
	if prev, ok := r.entries[id]; ok {
		r.release(prev.login)
	}
	r.entries[id] = entry{ch: ch, login: login}
	r.refs[login]++
	if r.claims[login] == id {
		delete(r.claims, login)
	}
	r.log.Info("Client registered", zap.String("login", login), zap.String("channel", id), zap.Int("clients", len(r.entries)))
}

// Claim reserves login for identity unless it is already registered or
// claimed. Check and insert happen under one lock, so of two concurrent
// claims for the same name exactly one wins.
func (r *Registry) Claim(login, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[login] > 0 {
		return false
	}
	if _, taken := r.claims[login]; taken {
		return false
	}
	r.claims[login] = identity
	return true
}

// Release drops the claim identity holds on login. Registrations are untouched.
func (r *Registry) Release(login, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claims[login] == identity {
		delete(r.claims, login)
	}
}

// Contains reports whether any connection holds or has claimed login.
func (r *Registry) Contains(login string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.refs[login] > 0 {
		return true
	}
	_, claimed := r.claims[login]
	return claimed
}

// ListAll returns a snapshot of the registered channels. Callers iterate it
// without holding the registry lock.
func (r *Registry) ListAll() []transport.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.Channel, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.ch)
	}
	return out
}

// Remove drops the entry and any pending claim of identity.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for login, owner := range r.claims {
		if owner == identity {
			delete(r.claims, login)
		}
	}
	e, ok := r.entries[identity]
	if !ok {
		return
	}
	delete(r.entries, identity)
	r.release(e.login)
	r.log.Info("Client removed", zap.String("login", e.login), zap.String("channel", identity), zap.Int("clients", len(r.entries)))
}

func (r *Registry) release(login string) {
	if r.refs[login] <= 1 {
		delete(r.refs, login)
		return
	}
	r.refs[login]--
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Logins returns the sorted login names of registered clients.
func (r *Registry) Logins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.login)
	}
	sort.Strings(out)
	return out
}

// Close stops consuming LoginAccepted events.
func (r *Registry) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
}

func isDone(ch transport.Channel) bool {
	select {
	case <-ch.Done():
		return true
	default:
		return false
	}
}
