package interfaces

import (
	"context"

	"codeshare/pkg/types"
)

// CodeBlockReader is the read-only view of the durable store that the
// session coordinator needs.
type CodeBlockReader interface {
	// GetCodeBlock returns ErrCodeBlockNotFound when no record has the id.
	GetCodeBlock(ctx context.Context, id types.CodeBlockID) (*types.CodeBlock, error)
}

// CodeBlockStore handles all code block persistence.
type CodeBlockStore interface {
	CodeBlockReader

	// ListCodeBlocks returns every record ordered by id.
	ListCodeBlocks(ctx context.Context) ([]*types.CodeBlock, error)

	// CreateCodeBlock assigns cb.ID on success.
	CreateCodeBlock(ctx context.Context, cb *types.CodeBlock) error

	// UpdateCodeBlock applies a partial update and returns the stored result.
	UpdateCodeBlock(ctx context.Context, id types.CodeBlockID, patch types.CodeBlockPatch) (*types.CodeBlock, error)

	DeleteCodeBlock(ctx context.Context, id types.CodeBlockID) error
	CountCodeBlocks(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
