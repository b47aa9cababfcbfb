package types

import (
	"strings"
	"unicode/utf8"
)

// Column limits of the code_blocks table.
const (
	MaxNameLen        = 100
	MaxExplanationLen = 200
)

// Validate checks a code block before it is written.
func (cb *CodeBlock) Validate() error {
	if n := utf8.RuneCountInString(strings.TrimSpace(cb.Name)); n < 1 || utf8.RuneCountInString(cb.Name) > MaxNameLen {
		return ErrInvalidName
	}
	if strings.TrimSpace(cb.Template) == "" {
		return ErrEmptyTemplate
	}
	if strings.TrimSpace(cb.Solution) == "" {
		return ErrEmptySolution
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(cb.Explanation)); n < 1 || utf8.RuneCountInString(cb.Explanation) > MaxExplanationLen {
		return ErrInvalidExplanation
	}
	return nil
}

// Validate checks the inbound join payload.
func (r *JoinRoomRequest) Validate() error {
	if !r.RoomID.Valid() {
		return ErrMissingRoomID
	}
	return nil
}

// Validate checks the inbound edit payload. An empty string is a valid
// buffer; a missing code field is not.
func (r *CodeChangeRequest) Validate() error {
	if !r.RoomID.Valid() {
		return ErrMissingRoomID
	}
	if r.Code == nil {
		return ErrMissingCode
	}
	return nil
}

// MatchesSolution compares a buffer with a stored solution, ignoring
// leading and trailing whitespace.
func MatchesSolution(code, solution string) bool {
	return strings.TrimSpace(code) == strings.TrimSpace(solution)
}
