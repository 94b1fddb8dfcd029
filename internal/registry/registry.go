// Package registry tracks the live local websocket connections of one
// chatrelay instance and implements local fan-out. The registry is the
// component that must keep local clients talking to each other even under
// total loss of the broker or store: every store interaction here is treated
// as best-effort and converted to a log line, never a failed delivery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"chatrelay/internal/event"
	"chatrelay/internal/identity"
	"chatrelay/internal/metric"
	"chatrelay/internal/store"
)

// ErrDuplicateConnection is returned by Connect when the connection ID is
// already registered. Policy is reject, not replace: the existing
// registration stays untouched.
var ErrDuplicateConnection = errors.New("connection ID already registered")

// ErrNotConnected is returned by SendTo when the target connection is absent.
// This is a benign race with disconnect; callers should at most log it.
var ErrNotConnected = errors.New("client not connected")

// Transport is the abstract bidirectional channel serving one client. The
// transport's lifetime is owned by the network layer; the registry holds a
// non-owning reference and drops it on disconnect.
type Transport interface {
	// Send enqueues a JSON-serializable payload for delivery. It must fail
	// fast rather than block when the connection is gone or backed up.
	Send(v any) error
}

// Connection is one registered client. Identity is computed once at connect
// time and never changes for the connection's lifetime.
type Connection struct {
	ID       string
	Identity string
	ClientIP string

	transport Transport
}

// Registry is the per-instance connection table. All mutating operations are
// atomic check-and-mutate under the mutex; broadcast snapshots the table
// before iterating so it never races disconnects.
type Registry struct {
	instanceID string
	store      *store.Store
	metrics    *metric.Metrics

	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty registry.
func New(instanceID string, st *store.Store, m *metric.Metrics) *Registry {
	return &Registry{
		instanceID: instanceID,
		store:      st,
		metrics:    m,
		conns:      make(map[string]*Connection),
	}
}

// Connect registers a new connection, resolving and caching its identity.
// Fails with ErrDuplicateConnection if the ID is already registered. The
// store's connection side table is updated best-effort: a store outage is
// logged and the connect still succeeds.
func (r *Registry) Connect(ctx context.Context, connectionID string, transport Transport, remoteAddr string) (*Connection, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("connection ID cannot be empty")
	}

	clientIP := identity.OriginHost(remoteAddr)
	conn := &Connection{
		ID:        connectionID,
		Identity:  identity.Resolve(connectionID, remoteAddr),
		ClientIP:  clientIP,
		transport: transport,
	}

	r.mu.Lock()
	if _, exists := r.conns[connectionID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", connectionID, ErrDuplicateConnection)
	}
	r.conns[connectionID] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.Connections.WithLabelValues(r.instanceID).Set(float64(count))
	log.Printf("[Registry] Client %s connected from %s. Total connections: %d", connectionID, clientIP, count)

	if err := r.store.TrackConnection(ctx, conn.Identity, connectionID, clientIP, r.instanceID); err != nil {
		log.Printf("[Registry] Failed to track connection %s: %v", connectionID, err)
	}

	return conn, nil
}

// Disconnect removes a connection if present. Idempotent: disconnecting an
// absent ID is a no-op, since disconnect races are expected under unreliable
// transports.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	_, exists := r.conns[connectionID]
	if exists {
		delete(r.conns, connectionID)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return
	}

	r.metrics.Connections.WithLabelValues(r.instanceID).Set(float64(count))
	log.Printf("[Registry] Client %s disconnected. Total connections: %d", connectionID, count)
}

// Count returns the number of live local connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendTo delivers a payload to one connection. Fails with ErrNotConnected if
// the target is absent. Chat events are persisted under the target's identity
// before delivery; a store failure degrades history, not delivery.
func (r *Registry) SendTo(ctx context.Context, connectionID string, payload any) error {
	r.mu.RLock()
	conn, exists := r.conns[connectionID]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("send to %s: %w", connectionID, ErrNotConnected)
	}

	if ev, ok := payload.(*event.Event); ok && ev.Type == event.TypeChat {
		if err := r.store.StoreMessage(ctx, conn.Identity, ev); err != nil {
			log.Printf("[Registry] Failed to store message for %s: %v", conn.Identity, err)
		}
	}

	r.metrics.Messages.WithLabelValues(r.instanceID, metric.DirectionOutbound).Inc()

	if err := conn.transport.Send(payload); err != nil {
		return fmt.Errorf("send to %s: %w", connectionID, err)
	}
	return nil
}

// BroadcastLocal delivers an event to every connection registered at the
// moment of invocation (snapshot semantics; connections added mid-iteration
// may miss it, which broker replication papers over).
//
// Chat events originated on this instance are persisted exactly once under
// the global partition, and via identity write-through when the originating
// connection is still registered. Events carrying a foreign instance ID
// arrived via replication and were already persisted by the originating
// instance, so no store write happens for them.
func (r *Registry) BroadcastLocal(ctx context.Context, ev *event.Event) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	var origin *Connection
	if ev.ClientID != "" {
		origin = r.conns[ev.ClientID]
	}
	r.mu.RUnlock()

	if ev.Type == event.TypeChat && ev.InstanceID == r.instanceID {
		var err error
		if origin != nil {
			err = r.store.StoreMessage(ctx, origin.Identity, ev)
		} else {
			// Originator raced a disconnect; keep the global record but skip
			// the identity attribution.
			err = r.store.StoreGlobal(ctx, ev)
		}
		if err != nil {
			log.Printf("[Registry] Failed to store broadcast message: %v", err)
		}
	}

	delivered := 0
	for _, conn := range targets {
		if err := conn.transport.Send(ev); err != nil {
			log.Printf("[Registry] Failed to deliver broadcast to %s: %v", conn.ID, err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		r.metrics.Messages.WithLabelValues(r.instanceID, metric.DirectionOutbound).Add(float64(delivered))
	}
}

// HistoryFor returns the resolved identity's stored messages for a
// connection, newest first, up to limit. Returns an empty slice when the
// connection is unknown, the identity has no history, or the store is
// unavailable (history degrades, it never errors to the caller).
func (r *Registry) HistoryFor(ctx context.Context, connectionID string, limit int64) []*event.Event {
	r.mu.RLock()
	conn, exists := r.conns[connectionID]
	r.mu.RUnlock()

	if !exists {
		return []*event.Event{}
	}

	messages, err := r.store.UserMessages(ctx, conn.Identity, limit)
	if err != nil {
		log.Printf("[Registry] Failed to fetch history for %s: %v", conn.Identity, err)
		return []*event.Event{}
	}
	return messages
}

// GlobalHistory returns the global partition's messages, newest first, with
// the same degrade-to-empty behavior as HistoryFor.
func (r *Registry) GlobalHistory(ctx context.Context, limit int64) []*event.Event {
	messages, err := r.store.GlobalMessages(ctx, limit)
	if err != nil {
		log.Printf("[Registry] Failed to fetch global history: %v", err)
		return []*event.Event{}
	}
	return messages
}
