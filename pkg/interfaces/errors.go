package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrCodeBlockNotFound = errors.New("code block not found")
)
