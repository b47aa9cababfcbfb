package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Inbound event names carried in Envelope.Event.
const (
	EventJoinRoom   = "join_room"
	EventCodeChange = "code_change"
)

// Transport signals. They never appear on the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Outbound event names.
const (
	EventActiveRooms        = "active_rooms"
	EventRoleAssignment     = "role_assignment"
	EventUpdateStudentCount = "update_student_count"
	EventUpdateCode         = "update_code"
	EventSolutionFound      = "solution_found"
	EventSolutionIncorrect  = "solution_incorrect"
	EventRedirectToLobby    = "redirect_to_lobby"
)

// Lobby redirect messages.
const (
	MessageMentorLeft       = "Mentor left. Returning to lobby."
	MessageCodeBlockDeleted = "This code block has been deleted. Returning to lobby."
)

// Role is the part a connection plays inside a room.
type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
)

// ConnID identifies one live transport connection.
type ConnID string

// CodeBlockID is the durable identifier of an exercise.
type CodeBlockID int64

// RoomID is the identifier of a live room. A room is keyed by the id of the
// code block it was opened for.
type RoomID = CodeBlockID

// UnmarshalJSON accepts both 7 and "7". Browser clients usually take the
// id from the page URL and send it as a string.
func (id *CodeBlockID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return ErrInvalidCodeBlockID
		}
		s = strings.TrimSpace(unquoted)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return ErrInvalidCodeBlockID
	}
	*id = CodeBlockID(n)
	return nil
}

// Valid reports whether the id can name a stored code block.
func (id CodeBlockID) Valid() bool { return id > 0 }

func (id CodeBlockID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseCodeBlockID parses a path parameter.
func ParseCodeBlockID(s string) (CodeBlockID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidCodeBlockID
	}
	return CodeBlockID(n), nil
}

// CodeBlock is an exercise definition. The solution never leaves the server
// except through the admin listing.
type CodeBlock struct {
	ID          CodeBlockID `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Template    string      `json:"template" db:"template"`
	Solution    string      `json:"solution" db:"solution"`
	Explanation string      `json:"explanation" db:"explanation"`
	CreatedAt   time.Time   `json:"-" db:"created_at"`
	UpdatedAt   time.Time   `json:"-" db:"updated_at"`
}

// CodeBlockPatch is a partial update; nil fields are left untouched.
type CodeBlockPatch struct {
	Name        *string `json:"name,omitempty"`
	Template    *string `json:"template,omitempty"`
	Solution    *string `json:"solution,omitempty"`
	Explanation *string `json:"explanation,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CodeBlockPatch) Empty() bool {
	return p.Name == nil && p.Template == nil && p.Solution == nil && p.Explanation == nil
}

// Apply returns a copy of cb with the patch applied.
func (p CodeBlockPatch) Apply(cb CodeBlock) CodeBlock {
	if p.Name != nil {
		cb.Name = *p.Name
	}
	if p.Template != nil {
		cb.Template = *p.Template
	}
	if p.Solution != nil {
		cb.Solution = *p.Solution
	}
	if p.Explanation != nil {
		cb.Explanation = *p.Explanation
	}
	return cb
}

// Envelope is the frame shape read from clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage is the frame shape written to clients.
type OutboundMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type JoinRoomRequest struct {
	RoomID RoomID `json:"room_id"`
}

type CodeChangeRequest struct {
	RoomID RoomID  `json:"room_id"`
	Code   *string `json:"code"`
}

// RoomSummary is one entry of the active_rooms list.
type RoomSummary struct {
	ID           RoomID `json:"id"`
	Name         string `json:"name"`
	StudentCount int    `json:"student_count"`
}

type RoleAssignment struct {
	Role         Role   `json:"role"`
	Code         string `json:"code"`
	StudentCount int    `json:"student_count"`
}

type StudentCountUpdate struct {
	StudentCount int `json:"student_count"`
}

type CodeUpdate struct {
	Code string `json:"code"`
}

type LobbyRedirect struct {
	Message string `json:"message"`
}

// Empty is the payload of the solution verdict events.
type Empty struct{}
