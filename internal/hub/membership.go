package hub

import (
	"context"

	"github.com/rs/zerolog/log"

	"codeshare/internal/session"
	"codeshare/pkg/types"
)

// handleJoin places conn in room. The first joiner of a room becomes its
// mentor; everyone after that is a student.
func (h *Hub) handleJoin(ctx context.Context, conn types.ConnID, roomID types.RoomID) {
	logger := log.With().Str("module", "hub").Str("conn", string(conn)).Int64("room", int64(roomID)).Logger()

	if !roomID.Valid() {
		logger.Debug().Msg("join ignored: invalid room id")
		return
	}

	current, affiliated := h.rooms.Affiliation(conn)
	if affiliated && current.Room == roomID {
		room, _ := h.rooms.Get(roomID)
		h.emitter.SendTo(conn, types.EventRoleAssignment, types.RoleAssignment{
			Role:         current.Role,
			Code:         room.Code,
			StudentCount: room.StudentCount(),
		})
		logger.Debug().Str("role", string(current.Role)).Msg("re-join of current room")
		return
	}

	cb, err := h.lookup(ctx, roomID)
	if err != nil {
		logLookupFailure(logger, err, "join ignored")
		return
	}

	if affiliated {
		h.leave(conn, current)
	}

	role := types.RoleStudent
	if !h.rooms.Exists(roomID) {
		if _, err := h.rooms.Create(roomID, conn, cb.Template); err != nil {
			logger.Error().Err(err).Msg("create room failed")
			return
		}
		role = types.RoleMentor
	} else if err := h.rooms.AddStudent(roomID, conn); err != nil {
		logger.Error().Err(err).Msg("add student failed")
		return
	}

	h.emitter.Subscribe(conn, roomID)

	room, _ := h.rooms.Get(roomID)
	h.emitter.SendTo(conn, types.EventRoleAssignment, types.RoleAssignment{
		Role:         role,
		Code:         room.Code,
		StudentCount: room.StudentCount(),
	})
	h.emitter.BroadcastRoom(roomID, conn, types.EventUpdateStudentCount, types.StudentCountUpdate{
		StudentCount: room.StudentCount(),
	})

	logger.Info().Str("role", string(role)).Int("students", room.StudentCount()).Msg("joined room")

	h.broadcastActiveRooms(ctx)
}

// handleDisconnect runs the departure of conn. Connections that never
// joined a room produce no traffic at all.
func (h *Hub) handleDisconnect(ctx context.Context, conn types.ConnID) {
	m, ok := h.rooms.Affiliation(conn)
	if !ok {
		log.Debug().Str("module", "hub").Str("conn", string(conn)).Msg("disconnect of unaffiliated connection")
		return
	}

	h.leave(conn, m)
	h.broadcastActiveRooms(ctx)
}

// leave removes conn from the room it holds. A departing mentor takes the
// room down with it and sends the remaining occupants back to the lobby.
// The caller broadcasts the new lobby summary.
func (h *Hub) leave(conn types.ConnID, m session.Membership) {
	logger := log.With().Str("module", "hub").Str("conn", string(conn)).Int64("room", int64(m.Room)).Logger()

	switch m.Role {
	case types.RoleMentor:
		if _, ok := h.rooms.Destroy(m.Room); !ok {
			return
		}
		h.emitter.BroadcastRoom(m.Room, conn, types.EventRedirectToLobby, types.LobbyRedirect{
			Message: types.MessageMentorLeft,
		})
		h.emitter.CloseRoom(m.Room)
		logger.Info().Msg("mentor left, room closed")

	case types.RoleStudent:
		if err := h.rooms.RemoveStudent(m.Room, conn); err != nil {
			logger.Error().Err(err).Msg("remove student failed")
			return
		}
		room, ok := h.rooms.Get(m.Room)
		if !ok {
			return
		}
		h.emitter.BroadcastRoom(m.Room, conn, types.EventUpdateStudentCount, types.StudentCountUpdate{
			StudentCount: room.StudentCount(),
		})
		logger.Info().Int("students", room.StudentCount()).Msg("student left room")
	}
}
