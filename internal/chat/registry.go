package chat

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Peer is a registered endpoint that can receive broadcast payloads.
// *Connection is the production implementation.
type Peer interface {
	ID() string
	Username() string
	Send(payload []byte) error
	Close() error
}

// Registry is the concurrency-safe set of live connections.
//
// Membership changes and snapshots are serialized by mu. Sends happen outside
// the lock on a snapshot, and evictions decided during a broadcast are applied
// back under the write lock.
type Registry struct {
	mu    sync.RWMutex
	peers map[Peer]struct{}
	log   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		peers: make(map[Peer]struct{}),
		log:   logger,
	}
}

// Add registers p. It fails with ErrDuplicateConnection if p is already present.
func (r *Registry) Add(p Peer) error {
	if p == nil {
		return ErrNilPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p]; exists {
		return ErrDuplicateConnection
	}
	r.peers[p] = struct{}{}
	return nil
}

// Remove deregisters p and reports whether it was present. Removing an absent
// peer is a no-op.
func (r *Registry) Remove(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p]; !exists {
		return false
	}
	delete(r.peers, p)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Usernames returns the distinct users holding at least one connection, sorted.
func (r *Registry) Usernames() []string {
	names := lo.Keys(r.ConnectionsPerUser())
	slices.Sort(names)
	return names
}

// ConnectionsPerUser counts the live connections of every online user.
func (r *Registry) ConnectionsPerUser() map[string]int {
	return lo.CountValuesBy(r.snapshot(), func(p Peer) string {
		return p.Username()
	})
}

type failedSend struct {
	peer Peer
	err  error
}

// Broadcast delivers ev to every connection registered when it is called and
// returns the number of successful deliveries. A connection that fails to
// accept the event is evicted and closed; the failure is logged and never
// interrupts delivery to the others.
func (r *Registry) Broadcast(ev Event) int {
	payload, err := ev.Encode()
	if err != nil {
		r.log.Error("encoding broadcast event", "action", ev.Action, "error", err)
		return 0
	}

	peers := r.snapshot()
	failed := r.sendToPeers(peers, payload)
	r.evict(failed)

	delivered := len(peers) - len(failed)
	r.log.Debug("broadcast", "action", ev.Action, "username", ev.Username, "delivered", delivered, "evicted", len(failed))
	return delivered
}

// CloseAll closes every registered connection and returns how many were
// closed. Each owning session observes the close and deregisters itself.
func (r *Registry) CloseAll() int {
	peers := r.snapshot()
	for _, p := range peers {
		if err := p.Close(); err != nil {
			r.log.Warn("closing connection", "conn_id", p.ID(), "username", p.Username(), "error", err)
		}
	}
	r.log.Info("closed all connections", "count", len(peers))
	return len(peers)
}

// snapshot returns a copy of the current membership.
func (r *Registry) snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Registry) sendToPeers(peers []Peer, payload []byte) []failedSend {
	var failed []failedSend
	for _, p := range peers {
		if err := p.Send(payload); err != nil {
			failed = append(failed, failedSend{peer: p, err: err})
		}
	}
	return failed
}

// evict removes peers that failed a send and closes them outside the lock.
func (r *Registry) evict(failed []failedSend) {
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	removed := make([]failedSend, 0, len(failed))
	for _, f := range failed {
		if _, exists := r.peers[f.peer]; exists {
			delete(r.peers, f.peer)
			removed = append(removed, f)
		}
	}
	remaining := len(r.peers)
	r.mu.Unlock()

	for _, f := range removed {
		_ = f.peer.Close()
		r.log.Warn("evicted connection after failed send",
			"conn_id", f.peer.ID(),
			"username", f.peer.Username(),
			"error", f.err,
			"connections", remaining,
		)
	}
}
