package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// Registry tracks live connections and the room audience each one belongs
// to. It is the fan-out half of the gateway and implements
// interfaces.Emitter.
type Registry struct {
	mu          sync.RWMutex
	connections map[types.ConnID]*Connection
	audiences   map[types.RoomID]map[types.ConnID]*Connection
	subscribed  map[types.ConnID]types.RoomID
}

var _ interfaces.Emitter = (*Registry)(nil)

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[types.ConnID]*Connection),
		audiences:   make(map[types.RoomID]map[types.ConnID]*Connection),
		subscribed:  make(map[types.ConnID]types.RoomID),
	}
}

// RegisterConnection makes conn reachable by SendTo and BroadcastAll.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// UnregisterConnection removes conn and its audience membership. Only the
// registered instance is removed; the call is idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if registered, exists := r.connections[id]; !exists || registered != conn {
		return
	}
	delete(r.connections, id)
	r.unsubscribeLocked(id)
}

// GetConnection returns the live connection for id.
func (r *Registry) GetConnection(id types.ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.connections[id]
	return conn, exists
}

// Subscribe moves conn into the audience of room.
func (r *Registry) Subscribe(id types.ConnID, room types.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists {
		return
	}
	r.unsubscribeLocked(id)

	audience := r.audiences[room]
	if audience == nil {
		audience = make(map[types.ConnID]*Connection)
		r.audiences[room] = audience
	}
	audience[id] = conn
	r.subscribed[id] = room
}

// CloseRoom empties the audience of room. The sockets stay open.
func (r *Registry) CloseRoom(room types.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.audiences[room] {
		delete(r.subscribed, id)
	}
	delete(r.audiences, room)
}

func (r *Registry) unsubscribeLocked(id types.ConnID) {
	room, ok := r.subscribed[id]
	if !ok {
		return
	}
	delete(r.subscribed, id)
	if audience := r.audiences[room]; audience != nil {
		delete(audience, id)
		if len(audience) == 0 {
			delete(r.audiences, room)
		}
	}
}

// SendTo delivers one message to one connection.
func (r *Registry) SendTo(id types.ConnID, event string, payload any) {
	conn, exists := r.GetConnection(id)
	if !exists {
		return
	}
	report(conn, event, conn.WriteJSON(types.OutboundMessage{Event: event, Data: payload}))
}

// BroadcastRoom delivers to every member of the room audience except skip.
func (r *Registry) BroadcastRoom(room types.RoomID, skip types.ConnID, event string, payload any) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.audiences[room]))
	for id, conn := range r.audiences[room] {
		if id != skip {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	r.fanOut(targets, event, payload)
}

// BroadcastAll delivers to every live connection.
func (r *Registry) BroadcastAll(event string, payload any) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	r.fanOut(targets, event, payload)
}

func (r *Registry) fanOut(targets []*Connection, event string, payload any) {
	if len(targets) == 0 {
		return
	}
	data, ok := encode(event, payload)
	if !ok {
		return
	}
	for _, conn := range targets {
		deliver(conn, event, data)
	}
}

func encode(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(types.OutboundMessage{Event: event, Data: payload})
	if err != nil {
		log.Error().Str("module", "websocket").Str("event", event).Err(err).Msg("encode outbound message")
		return nil, false
	}
	return data, true
}

func deliver(conn *Connection, event string, data []byte) {
	report(conn, event, conn.enqueue(data))
}

// report handles the outcome of queueing a message. A client too slow to
// drain its buffer is disconnected; its departure then runs through the
// normal disconnect path.
func report(conn *Connection, event string, err error) {
	switch err {
	case nil, ErrConnectionClosed:
	case ErrBackpressure:
		log.Warn().Str("module", "websocket").Str("conn", string(conn.ID())).Str("event", event).Msg("slow client, closing connection")
		_ = conn.Close()
	case ErrInvalidJSON:
		log.Error().Str("module", "websocket").Str("event", event).Msg("encode outbound message")
	default:
		log.Debug().Str("module", "websocket").Str("conn", string(conn.ID())).Err(err).Msg("deliver failed")
	}
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"room_audiences":    len(r.audiences),
		"subscribed":        len(r.subscribed),
	}
}

// CloseAll closes every live connection. Their read loops then run the
// usual disconnect path.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
