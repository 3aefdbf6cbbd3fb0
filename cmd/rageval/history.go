package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/knoguchi/rageval/internal/repository"
	"github.com/knoguchi/rageval/internal/repository/postgres"
	"github.com/knoguchi/rageval/internal/repository/sqlite"
)

// openHistory opens the run history named by dsn. PostgreSQL URLs select the
// pgx backend; anything else is a SQLite file path.
func openHistory(ctx context.Context, dsn string) (repository.RunRepository, func(), error) {
	if isPostgresDSN(dsn) {
		db, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open run history: %w", err)
		}
		return postgres.NewRunRepo(db), db.Close, nil
	}

	db, err := sqlite.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return sqlite.NewRunRepo(db), func() { db.Close() }, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

var (
	_ repository.RunRepository = (*postgres.RunRepo)(nil)
	_ repository.RunRepository = (*sqlite.RunRepo)(nil)
)
