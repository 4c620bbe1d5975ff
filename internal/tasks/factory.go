package tasks

import (
	"context"
	"strings"
)

// Store kinds reported by NewStore.
const (
	StoreKindMemory   = "in-memory"
	StoreKindPostgres = "postgres"
	StoreKindSQLite   = "sqlite"
)

// NewStore picks a backend from the database URL: empty means in-memory,
// postgres:// uses pgx, sqlite:// (or a bare *.db path) uses embedded SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewMemoryStore(), StoreKindMemory, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		st, err := NewPostgresStore(ctx, url)
		if err != nil {
			return nil, "", err
		}
		return st, StoreKindPostgres, nil
	default:
		st, err := NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, "", err
		}
		return st, StoreKindSQLite, nil
	}
}
