package database

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

//go:embed seed/codeblocks.yaml
var defaultSeed []byte

// SeedCatalog is the on-disk shape of a starter exercise catalog.
type SeedCatalog struct {
	CodeBlocks []SeedBlock `yaml:"code_blocks"`
}

// SeedBlock is one exercise in a SeedCatalog.
type SeedBlock struct {
	Name        string `yaml:"name"`
	Template    string `yaml:"template"`
	Solution    string `yaml:"solution"`
	Explanation string `yaml:"explanation"`
}

// DefaultSeedCatalog returns the catalog compiled into the binary.
func DefaultSeedCatalog() (*SeedCatalog, error) {
	return ParseSeedCatalog(defaultSeed)
}

// LoadSeedCatalog reads a catalog from path, or the default catalog when
// path is empty.
func LoadSeedCatalog(path string) (*SeedCatalog, error) {
	if path == "" {
		return DefaultSeedCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeedCatalog(data)
}

// ParseSeedCatalog decodes and validates a YAML catalog.
func ParseSeedCatalog(data []byte) (*SeedCatalog, error) {
	var catalog SeedCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse seed catalog: %w", err)
	}
	for i, b := range catalog.CodeBlocks {
		cb := b.CodeBlock()
		if err := cb.Validate(); err != nil {
			return nil, fmt.Errorf("seed entry %d (%q): %w", i, b.Name, err)
		}
	}
	return &catalog, nil
}

// CodeBlock converts the entry into an unsaved record.
func (b SeedBlock) CodeBlock() *types.CodeBlock {
	return &types.CodeBlock{
		Name:        b.Name,
		Template:    b.Template,
		Solution:    b.Solution,
		Explanation: b.Explanation,
	}
}

// Seed inserts the catalog into store when the store holds no records and
// reports how many were inserted. A populated store is left untouched.
func Seed(ctx context.Context, store interfaces.CodeBlockStore, catalog *SeedCatalog) (int, error) {
	count, err := store.CountCodeBlocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("count code blocks: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	inserted := 0
	for _, b := range catalog.CodeBlocks {
		if err := store.CreateCodeBlock(ctx, b.CodeBlock()); err != nil {
			return inserted, fmt.Errorf("seed %q: %w", b.Name, err)
		}
		inserted++
	}
	return inserted, nil
}
