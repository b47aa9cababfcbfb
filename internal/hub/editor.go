package hub

import (
	"context"

	"github.com/rs/zerolog/log"

	"codeshare/pkg/types"
)

// handleCodeChange applies an edit to the shared buffer, fans it out to the
// room and reports whether it now matches the solution. Only the mentor is
// refused. Edits for rooms that do not exist are dropped without feedback.
func (h *Hub) handleCodeChange(ctx context.Context, conn types.ConnID, roomID types.RoomID, code string) {
	logger := log.With().Str("module", "hub").Str("conn", string(conn)).Int64("room", int64(roomID)).Logger()

	room, ok := h.rooms.Get(roomID)
	if !ok {
		logger.Debug().Msg("edit ignored: no such room")
		return
	}
	if room.Mentor == conn {
		logger.Debug().Msg("edit ignored: sender is mentor")
		return
	}

	if err := h.rooms.SetCode(roomID, code); err != nil {
		logger.Error().Err(err).Msg("set code failed")
		return
	}
	h.emitter.BroadcastRoom(roomID, "", types.EventUpdateCode, types.CodeUpdate{Code: code})

	cb, err := h.lookup(ctx, roomID)
	if err != nil {
		logLookupFailure(logger, err, "solution check skipped")
		return
	}

	if types.MatchesSolution(code, cb.Solution) {
		h.emitter.BroadcastRoom(roomID, "", types.EventSolutionFound, types.Empty{})
		logger.Info().Msg("solution found")
		return
	}
	h.emitter.BroadcastRoom(roomID, "", types.EventSolutionIncorrect, types.Empty{})
}
