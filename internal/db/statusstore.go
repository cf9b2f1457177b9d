// Package db holds the relational source of truth for document indexing
// state. The hybrid search strategy cross-checks vector hits against it to
// drop candidates whose backing document is no longer indexed.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DocumentStatus is the persisted indexing state of a document.
type DocumentStatus string

const (
	StatusPending DocumentStatus = "PENDING"
	StatusIndexed DocumentStatus = "INDEXED"
	StatusFailed  DocumentStatus = "FAILED"
)

// DocumentRecord is one row of the documents table relevant to retrieval.
type DocumentRecord struct {
	ID          string         `db:"id"`
	ConnectorID string         `db:"connector_id"`
	Status      DocumentStatus `db:"status"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Config holds connection settings. Driver is "postgres" in production and
// "sqlite3" for local development.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// StatusStore reads document status from the relational store.
type StatusStore struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewStatusStore opens the database and verifies connectivity.
func NewStatusStore(cfg Config, logger *zap.Logger) (*StatusStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	database, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxConnections > 0 {
		database.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.IdleConnections > 0 {
		database.SetMaxIdleConns(cfg.IdleConnections)
	}
	if cfg.MaxLifetime > 0 {
		database.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return &StatusStore{db: database, log: logger}, nil
}

// NewStatusStoreFromDB wraps an existing connection; used by tests.
func NewStatusStoreFromDB(database *sqlx.DB, logger *zap.Logger) *StatusStore {
	return &StatusStore{db: database, log: logger}
}

// GetByIDs returns the records for the given document ids. Unknown ids are
// simply absent from the result.
func (s *StatusStore) GetByIDs(ctx context.Context, ids []string) ([]DocumentRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, connector_id, status, updated_at FROM documents WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	query = s.db.Rebind(query)

	var records []DocumentRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("select document status: %w", err)
	}
	return records, nil
}

// IndexedIDs returns the subset of ids whose status is INDEXED.
func (s *StatusStore) IndexedIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	records, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.Status == StatusIndexed {
			indexed[r.ID] = struct{}{}
		}
	}
	return indexed, nil
}

// Close releases the connection pool.
func (s *StatusStore) Close() error { return s.db.Close() }
