package ipc

import (
	"errors"
	"sync"
)

var ErrPeerUnavailable = errors.New("ipc: no connected peer for role")

// Peer is one registered client connection.
type Peer struct {
	Role Role
	Conn *Conn
}

// Registry owns the role → live connection mapping. A reconnect for a role
// supersedes the previous connection, which is closed.
type Registry struct {
	mu    sync.RWMutex
	peers map[Role]*Peer

	onGone func(Role)
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[Role]*Peer)}
}

// OnPeerGone installs a callback invoked (outside the registry lock) whenever
// a role loses its connection. Must be set before the accept loop starts.
func (r *Registry) OnPeerGone(fn func(Role)) {
	r.onGone = fn
}

// Register binds conn to role, closing and replacing any stale connection
// for that role.
func (r *Registry) Register(role Role, conn *Conn) *Peer {
	p := &Peer{Role: role, Conn: conn}
	r.mu.Lock()
	old := r.peers[role]
	r.peers[role] = p
	r.mu.Unlock()
	if old != nil {
		_ = old.Conn.Close()
	}
	return p
}

// Remove drops the peer if it is still the current connection for its role.
// A superseded connection does not evict its replacement.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	current, ok := r.peers[p.Role]
	removed := ok && current == p
	if removed {
		delete(r.peers, p.Role)
	}
	r.mu.Unlock()
	if removed && r.onGone != nil {
		r.onGone(p.Role)
	}
}

func (r *Registry) Get(role Role) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[role]
	return p, ok
}

// Send routes an envelope to the live connection for role.
func (r *Registry) Send(role Role, env Envelope) error {
	p, ok := r.Get(role)
	if !ok {
		return ErrPeerUnavailable
	}
	return p.Conn.Send(env)
}

func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.peers))
	for role := range r.peers {
		out = append(out, role)
	}
	return out
}
