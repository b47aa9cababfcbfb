package session

import "errors"

// Registry error types
var (
	ErrRoomExists           = errors.New("room already exists")
	ErrRoomNotFound         = errors.New("room not found")
	ErrConnectionAffiliated = errors.New("connection already belongs to a room")
	ErrNotAStudent          = errors.New("connection is not a student of this room")
)
