package hub

import (
	"context"

	"github.com/rs/zerolog/log"

	"codeshare/pkg/types"
)

// CodeBlockUpdated replaces the buffer of an active room with a freshly
// saved template. It returns once the room has been updated.
func (h *Hub) CodeBlockUpdated(ctx context.Context, id types.CodeBlockID, template string) error {
	return h.call(ctx, "code_block_updated", func(ctx context.Context) {
		if !h.rooms.Exists(id) {
			return
		}
		if err := h.rooms.SetCode(id, template); err != nil {
			log.Error().Str("module", "hub").Int64("room", int64(id)).Err(err).Msg("template refresh failed")
			return
		}
		h.emitter.BroadcastRoom(id, "", types.EventUpdateCode, types.CodeUpdate{Code: template})
		log.Info().Str("module", "hub").Int64("room", int64(id)).Msg("room template refreshed")
	})
}

// CodeBlockDeleting deletes the record through remove from inside the event
// loop, then sends the occupants of its room back to the lobby and closes
// it. A join queued behind it no longer finds the record.
func (h *Hub) CodeBlockDeleting(ctx context.Context, id types.CodeBlockID, remove func(ctx context.Context) error) error {
	result := make(chan error, 1)
	err := h.call(ctx, "code_block_deleting", func(ctx context.Context) {
		if err := remove(ctx); err != nil {
			result <- err
			return
		}
		result <- nil

		if !h.rooms.Exists(id) {
			return
		}
		h.emitter.BroadcastRoom(id, "", types.EventRedirectToLobby, types.LobbyRedirect{
			Message: types.MessageCodeBlockDeleted,
		})
		h.rooms.Destroy(id)
		h.emitter.CloseRoom(id)
		log.Info().Str("module", "hub").Int64("room", int64(id)).Msg("room closed for deleted code block")

		h.broadcastActiveRooms(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	default:
		return errDeleteAborted
	}
}
