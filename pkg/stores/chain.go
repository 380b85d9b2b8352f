package stores

import (
	"context"
	"fmt"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/tier"
)

// Storage tier names.
const (
	SubsystemStorage = "storage"
	TierSQLite       = "sqlite"
	TierMemory       = "memory"
)

// NewStorageChain builds the storage chain: the SQLite database at path, then
// memory. A database that cannot be opened or migrated falls through to
// memory at selection time.
func NewStorageChain(ctx context.Context, cfg Config) (*tier.Chain[Store], error) {
	return tier.NewChain(SubsystemStorage,
		tier.Tier[Store]{
			Name:        TierSQLite,
			Priority:    10,
			Requires:    func(capability.Snapshot) bool { return cfg.Path != "" },
			Description: "SQLite history database",
			Instantiate: func() (Store, error) { return OpenSQLite(ctx, cfg) },
		},
		tier.Tier[Store]{
			Name:        TierMemory,
			Universal:   true,
			Description: "in-process history, lost on exit",
			Instantiate: func() (Store, error) { return NewMemoryStore(DefaultMemoryLimit), nil },
		},
	)
}

// OpenSQLite creates, opens and migrates a SQLiteStore.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("history database %s: %w", cfg.Path, err)
	}
	return s, nil
}
