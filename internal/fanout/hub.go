// Package fanout tracks live client connections and delivers envelopes to
// every connection that belongs to a session, across process instances.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/observability"
	"github.com/ent0n29/confab/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrPeerGone is returned by Conn.Send once the client has disconnected.
	ErrPeerGone = errors.New("peer gone")
)

// Conn is one client transport. Send must be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Close() error
}

type member struct {
	conn      Conn
	sessionID string
}

type Stats struct {
	TotalConnections     int            `json:"total_connections"`
	ActiveSessions       int            `json:"active_sessions"`
	ConnectionsBySession map[string]int `json:"connections_by_session"`
	Unassociated         int            `json:"unassociated_connections"`
}

type Hub struct {
	bus      Bus
	instance string
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu       sync.RWMutex
	conns    map[string]*member
	sessions map[string]map[string]struct{}
}

// NewHub creates a hub. A nil bus keeps delivery local to this process.
func NewHub(bus Bus, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:      bus,
		instance: uuid.NewString(),
		logger:   logger,
		metrics:  metrics,
		conns:    make(map[string]*member),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Run subscribes to the bus until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Subscribe(ctx, h.onBusMessage)
}

func (h *Hub) Register(conn Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.conns[id] = &member{conn: conn}
	h.mu.Unlock()
	h.metrics.ObserveConnection(1, "connected")
	return id
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	m, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		h.detachLocked(id, m.sessionID)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.ObserveConnection(-1, "disconnected")
	}
}

// Associate binds a connection to a session, replacing any earlier binding.
func (h *Hub) Associate(id, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if m.sessionID == sessionID {
		return nil
	}
	h.detachLocked(id, m.sessionID)
	m.sessionID = sessionID
	if sessionID != "" {
		set, ok := h.sessions[sessionID]
		if !ok {
			set = make(map[string]struct{})
			h.sessions[sessionID] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

func (h *Hub) detachLocked(id, sessionID string) {
	if sessionID == "" {
		return
	}
	if set, ok := h.sessions[sessionID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// SessionOf returns the session a connection is bound to.
func (h *Hub) SessionOf(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if m, ok := h.conns[id]; ok {
		return m.sessionID
	}
	return ""
}

// Send delivers to one local connection. A connection whose peer is gone is
// unregistered.
func (h *Hub) Send(ctx context.Context, id string, env protocol.Envelope) error {
	h.mu.RLock()
	m, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if err := m.conn.Send(ctx, env); err != nil {
		if errors.Is(err, ErrPeerGone) {
			h.logger.Debug("dropping disconnected connection", zap.String("connection_id", id))
			h.Unregister(id)
		}
		return err
	}
	h.metrics.ObserveWSMessage("outbound", string(env.Type))
	return nil
}

// Broadcast delivers env to every connection of sessionID on every instance.
// With an empty sessionID it reaches every connection.
func (h *Hub) Broadcast(ctx context.Context, env protocol.Envelope, sessionID string) error {
	if sessionID != "" && env.SessionID == "" {
		env.SessionID = sessionID
	}
	if h.bus == nil {
		h.deliverLocal(ctx, env, sessionID)
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if sessionID == "" {
		h.deliverLocal(ctx, env, "")
	}
	msg := Message{SessionID: sessionID, Data: data, Origin: h.instance}
	if err := h.bus.Publish(ctx, msg); err != nil {
		h.logger.Warn("fan-out publish failed, delivering locally", zap.String("session_id", sessionID), zap.Error(err))
		if sessionID != "" {
			h.deliverLocal(ctx, env, sessionID)
		}
		return nil
	}
	return nil
}

func (h *Hub) onBusMessage(msg Message) {
	// Instance-wide broadcasts were already delivered by the publisher.
	if msg.SessionID == "" && msg.Origin == h.instance {
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		h.logger.Warn("dropping undecodable fan-out message", zap.Error(err))
		return
	}
	h.deliverLocal(context.Background(), env, msg.SessionID)
}

func (h *Hub) deliverLocal(ctx context.Context, env protocol.Envelope, sessionID string) {
	h.mu.RLock()
	var ids []string
	if sessionID == "" {
		ids = make([]string, 0, len(h.conns))
		for id := range h.conns {
			ids = append(ids, id)
		}
	} else {
		ids = make([]string, 0, len(h.sessions[sessionID]))
		for id := range h.sessions[sessionID] {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if err := h.Send(ctx, id, env); err != nil && !errors.Is(err, ErrPeerGone) && !errors.Is(err, ErrUnknownConnection) {
			h.logger.Warn("fan-out delivery failed", zap.String("connection_id", id), zap.Error(err))
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		TotalConnections:     len(h.conns),
		ActiveSessions:       len(h.sessions),
		ConnectionsBySession: make(map[string]int, len(h.sessions)),
	}
	for sid, set := range h.sessions {
		s.ConnectionsBySession[sid] = len(set)
	}
	for _, m := range h.conns {
		if m.sessionID == "" {
			s.Unassociated++
		}
	}
	return s
}

// Connections lists local connection ids in stable order.
func (h *Hub) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every local connection, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*member)
	h.sessions = make(map[string]map[string]struct{})
	h.mu.Unlock()
	for _, m := range conns {
		_ = m.conn.Close()
	}
}
