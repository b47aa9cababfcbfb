package hub

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// activeRooms derives the lobby summary from scratch. Rooms whose code
// block cannot be read are left out.
func (h *Hub) activeRooms(ctx context.Context) []types.RoomSummary {
	rooms := h.rooms.Rooms()
	summaries := make([]types.RoomSummary, 0, len(rooms))

	for _, room := range rooms {
		cb, err := h.lookup(ctx, room.ID)
		if err != nil {
			logLookupFailure(log.With().Str("module", "hub").Int64("room", int64(room.ID)).Logger(), err, "room omitted from summary")
			continue
		}
		summaries = append(summaries, types.RoomSummary{
			ID:           room.ID,
			Name:         cb.Name,
			StudentCount: room.StudentCount(),
		})
	}

	return summaries
}

func (h *Hub) broadcastActiveRooms(ctx context.Context) {
	h.emitter.BroadcastAll(types.EventActiveRooms, h.activeRooms(ctx))
}

// ActiveRooms returns the lobby summary as of every event queued so far.
func (h *Hub) ActiveRooms(ctx context.Context) ([]types.RoomSummary, error) {
	var summaries []types.RoomSummary
	err := h.call(ctx, "active_rooms", func(ctx context.Context) {
		summaries = h.activeRooms(ctx)
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// logLookupFailure keeps a missing record quiet and a broken store loud.
func logLookupFailure(logger zerolog.Logger, err error, msg string) {
	if errors.Is(err, interfaces.ErrCodeBlockNotFound) {
		logger.Debug().Err(err).Msg(msg)
		return
	}
	logger.Warn().Err(err).Msg(msg)
}
