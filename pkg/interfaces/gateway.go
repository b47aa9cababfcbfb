package interfaces

import (
	"context"

	"codeshare/pkg/types"
)

// Emitter is the outbound half of the connection gateway. The coordinator
// names an audience and a payload; the gateway owns the sockets and the
// fan-out. Implementations must not block on slow clients.
type Emitter interface {
	// SendTo delivers to one connection.
	SendTo(conn types.ConnID, event string, payload any)

	// BroadcastRoom delivers to every connection subscribed to room except
	// skip. An empty skip delivers to all of them.
	BroadcastRoom(room types.RoomID, skip types.ConnID, event string, payload any)

	// BroadcastAll delivers to every live connection.
	BroadcastAll(event string, payload any)

	// Subscribe adds conn to the audience of room, removing it from any
	// audience it was in before.
	Subscribe(conn types.ConnID, room types.RoomID)

	// CloseRoom drops the audience of room.
	CloseRoom(room types.RoomID)
}

// Coordinator is the inbound half: transport events the gateway hands to
// the session coordinator.
type Coordinator interface {
	Connect(ctx context.Context, conn types.ConnID) error
	Join(ctx context.Context, conn types.ConnID, room types.RoomID) error
	CodeChange(ctx context.Context, conn types.ConnID, room types.RoomID, code string) error
	Disconnect(ctx context.Context, conn types.ConnID) error
}

// AdminHooks are the notifications the administrative surface sends to the
// coordinator. Both mutation hooks return once the coordinator has applied
// them.
type AdminHooks interface {
	// CodeBlockUpdated runs after a template change has been committed.
	CodeBlockUpdated(ctx context.Context, id types.CodeBlockID, template string) error

	// CodeBlockDeleting runs remove as one coordinator step and, when it
	// succeeds, closes the room of id. No join for id is handled between
	// the two. An error from remove is returned unchanged and the room is
	// left open.
	CodeBlockDeleting(ctx context.Context, id types.CodeBlockID, remove func(ctx context.Context) error) error

	// ActiveRooms returns the current lobby summary.
	ActiveRooms(ctx context.Context) ([]types.RoomSummary, error)
}
