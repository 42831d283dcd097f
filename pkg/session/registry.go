package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/signond/signond/pkg/credentialsdb"
	"github.com/signond/signond/pkg/pluginhost"
)

// SignalFunc receives a session's state-change notifications (PH SIGNAL
// events, plus the synthetic "session started" signal dispatch emits). The
// bus adaptor wires this to an actual D-Bus signal emission; tests can leave
// it nil.
type SignalFunc func(id IdentityID, method, cancelKey string, state uint32, message string)

// Registry is the session core's top-level state: every live session,
// keyed by (identity, method) for persisted identities, or held in an
// unordered set for transient ones. It is an explicit value rather than
// package-level state so tests can construct independent registries.
type Registry struct {
	mu        sync.Mutex
	byKey     map[string]*Session
	transient []*Session

	host    *pluginhost.Host
	cs      *credentialsdb.Store
	ui      UIMediator
	maxIdle time.Duration

	onSignal SignalFunc
}

// NewRegistry builds an empty registry. host spawns plugin subordinates, cs
// is the credentials store consulted for persisted identities (nil is
// allowed; STORE/Secret splicing then become no-ops, as transient-identity
// sessions already require), ui mediates interactive requests, and maxIdle
// is the idle-eviction threshold.
func NewRegistry(host *pluginhost.Host, cs *credentialsdb.Store, ui UIMediator, maxIdle time.Duration) *Registry {
	return &Registry{
		byKey:   map[string]*Session{},
		host:    host,
		cs:      cs,
		ui:      ui,
		maxIdle: maxIdle,
	}
}

// OnSignal installs the callback used to forward session state-change
// notifications.
func (r *Registry) OnSignal(fn SignalFunc) { r.onSignal = fn }

// Host returns the plugin host backing this registry's sessions, so a
// boundary layer can query it directly (method/mechanism enumeration)
// without session core having to proxy every such call itself.
func (r *Registry) Host() *pluginhost.Host { return r.host }

// CS returns the credentials store backing this registry, under the same
// rationale as Host.
func (r *Registry) CS() *credentialsdb.Store { return r.cs }

// UI returns the UI collaborator backing this registry, under the same
// rationale as Host. May be nil.
func (r *Registry) UI() UIMediator { return r.ui }

// GetOrCreate returns the existing session for (id, method) if there is
// one, or starts a new one. A transient id always gets a fresh session:
// there is no key to look it up again by until SetID promotes it.
func (r *Registry) GetOrCreate(id IdentityID, method string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !id.IsTransient() {
		key := id.Key(method)
		if s, ok := r.byKey[key]; ok {
			return s
		}
		s := newSession(id, method, r)
		r.byKey[key] = s
		return s
	}

	s := newSession(id, method, r)
	r.transient = append(r.transient, s)
	return s
}

// Lookup returns the existing session for (id, method), if any, without
// creating one.
func (r *Registry) Lookup(id IdentityID, method string) (*Session, bool) {
	if id.IsTransient() {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[id.Key(method)]
	return s, ok
}

// rebind moves a transient session into the persisted map under newKey,
// once SetID has assigned it an id. It fails if another session is already
// registered under that key.
func (r *Registry) rebind(s *Session, newKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[newKey]; exists {
		return fmt.Errorf("session: a session already exists for %s", newKey)
	}
	for i, t := range r.transient {
		if t == s {
			r.transient = append(r.transient[:i], r.transient[i+1:]...)
			break
		}
	}
	r.byKey[newKey] = s
	return nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.id.IsTransient() {
		delete(r.byKey, s.id.Key(s.method))
		return
	}
	for i, t := range r.transient {
		if t == s {
			r.transient = append(r.transient[:i], r.transient[i+1:]...)
			break
		}
	}
}

// Count returns the number of live sessions, persisted and transient.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey) + len(r.transient)
}

// Tick runs one idle-watchdog pass over every live session. The daemon
// calls this on a timer at half the configured max-idle interval, per the
// subscribeWatchdog design: only sessions with no attached handle are ever
// actually evicted.
func (r *Registry) Tick() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byKey)+len(r.transient))
	for _, s := range r.byKey {
		sessions = append(sessions, s)
	}
	sessions = append(sessions, r.transient...)
	r.mu.Unlock()

	for _, s := range sessions {
		s.checkIdle(r.maxIdle)
	}
}
