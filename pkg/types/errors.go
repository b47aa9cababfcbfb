package types

import "errors"

var (
	ErrInvalidCodeBlockID = errors.New("code block id must be a positive integer")
	ErrInvalidName        = errors.New("name must be 1-100 characters")
	ErrEmptyTemplate      = errors.New("template cannot be empty")
	ErrEmptySolution      = errors.New("solution cannot be empty")
	ErrInvalidExplanation = errors.New("explanation must be 1-200 characters")
	ErrEmptyPatch         = errors.New("update contains no fields")
	ErrMissingRoomID      = errors.New("room_id is required")
	ErrMissingCode        = errors.New("code is required")
)
