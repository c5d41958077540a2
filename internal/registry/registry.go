// Package registry tracks the live operator sockets accepted by this process.
// State is strictly process-local: entries are never shared with or mutated by
// other processes. Fleet-wide reach is the presence coordinator's job.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Socket is the write side of one live connection. Implementations must be
// safe for concurrent Send calls.
type Socket interface {
	Send(ctx context.Context, payload any) error
	Close(reason string) error
}

// Connection is one registered socket.
type Connection struct {
	UserID      uuid.UUID
	TenantID    uuid.UUID
	Socket      Socket
	ConnectedAt time.Time

	// conversations this connection is subscribed to, guarded by the
	// registry mutex.
	conversations map[uuid.UUID]struct{}
}

// Registry is the per-process table of live connections keyed by user.
type Registry struct {
	log *zerolog.Logger

	mu            sync.RWMutex
	conns         map[uuid.UUID]*Connection
	tenants       map[uuid.UUID]map[uuid.UUID]struct{}
	conversations map[uuid.UUID]map[uuid.UUID]struct{}
}

// New builds an empty registry.
func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		log:           logger,
		conns:         make(map[uuid.UUID]*Connection),
		tenants:       make(map[uuid.UUID]map[uuid.UUID]struct{}),
		conversations: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Connect registers a socket for the user. If the user already has a
// connection the new one wins and the superseded connection is returned so
// the caller can decide its fate; lookups only ever see the latest entry.
func (r *Registry) Connect(sock Socket, userID, tenantID uuid.UUID) (conn, superseded *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[userID]; ok {
		superseded = prev
		r.dropLocked(prev)
	}

	conn = &Connection{
		UserID:        userID,
		TenantID:      tenantID,
		Socket:        sock,
		ConnectedAt:   time.Now().UTC(),
		conversations: make(map[uuid.UUID]struct{}),
	}
	r.conns[userID] = conn

	if r.tenants[tenantID] == nil {
		r.tenants[tenantID] = make(map[uuid.UUID]struct{})
	}
	r.tenants[tenantID][userID] = struct{}{}

	return conn, superseded
}

// Disconnect removes the user's connection. Safe to call when no entry
// exists; removal is unconditional so abnormal termination cannot leave a
// stale presence entry behind.
func (r *Registry) Disconnect(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok {
		return
	}
	r.dropLocked(conn)
}

func (r *Registry) dropLocked(conn *Connection) {
	delete(r.conns, conn.UserID)

	if set, ok := r.tenants[conn.TenantID]; ok {
		delete(set, conn.UserID)
		if len(set) == 0 {
			delete(r.tenants, conn.TenantID)
		}
	}
	for convID := range conn.conversations {
		if set, ok := r.conversations[convID]; ok {
			delete(set, conn.UserID)
			if len(set) == 0 {
				delete(r.conversations, convID)
			}
		}
	}
}

// SubscribeConversation subscribes the user's connection to a conversation.
// Returns false if the user has no local connection.
func (r *Registry) SubscribeConversation(userID, conversationID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok {
		return false
	}
	conn.conversations[conversationID] = struct{}{}
	if r.conversations[conversationID] == nil {
		r.conversations[conversationID] = make(map[uuid.UUID]struct{})
	}
	r.conversations[conversationID][userID] = struct{}{}
	return true
}

// UnsubscribeConversation removes a conversation subscription.
func (r *Registry) UnsubscribeConversation(userID, conversationID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok {
		return false
	}
	delete(conn.conversations, conversationID)
	if set, ok := r.conversations[conversationID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.conversations, conversationID)
		}
	}
	return true
}

// OnlineUsers returns a snapshot of this process's registered users for the
// tenant. Users connected to other processes are not included.
func (r *Registry) OnlineUsers(tenantID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.tenants[tenantID]
	users := make([]uuid.UUID, 0, len(set))
	for id := range set {
		users = append(users, id)
	}
	return users
}

// ConversationUsers returns the local users subscribed to a conversation.
func (r *Registry) ConversationUsers(conversationID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conversations[conversationID]
	users := make([]uuid.UUID, 0, len(set))
	for id := range set {
		users = append(users, id)
	}
	return users
}

// IsOnline reports whether the user has a connection on this process.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Count returns the number of connections for the tenant, or for the whole
// process when tenantID is uuid.Nil.
func (r *Registry) Count(tenantID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tenantID == uuid.Nil {
		return len(r.conns)
	}
	return len(r.tenants[tenantID])
}

// SendToUser pushes a payload to the user's local socket. Returns false when
// no local connection exists; callers must not read that as "offline
// fleet-wide". A write failure counts as an implicit disconnect and the
// entry is removed.
func (r *Registry) SendToUser(ctx context.Context, userID uuid.UUID, payload any) bool {
	r.mu.RLock()
	conn, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := conn.Socket.Send(ctx, payload); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID.String()).Msg("socket write failed, dropping connection")
		r.Disconnect(userID)
		return false
	}
	return true
}
