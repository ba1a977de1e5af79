// Package surrealdb implements the durable Job Store on top of SurrealDB.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/surrealdb/surrealdb.go"
)

// Manager owns the SurrealDB connection and table bootstrap for the two
// tables this domain's core touches: job_queue and device_token (spec §1 —
// "the core only touches two tables").
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewManager connects to SurrealDB, signs in, selects the namespace/database
// and ensures the required tables exist.
func NewManager(logger *common.Logger, cfg *common.StorageConfig) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Username,
		"pass": cfg.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	tables := []string{"job_queue", "device_token"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	logger.Info().
		Str("address", cfg.Address).
		Str("namespace", cfg.Namespace).
		Str("database", cfg.Database).
		Msg("SurrealDB job store connected")

	return &Manager{db: db, logger: logger}, nil
}

// DB returns the underlying connection for store construction.
func (m *Manager) DB() *surrealdb.DB { return m.db }

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}
