package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

// CacheStore holds the last-known-good snapshot per building. Put replaces the
// whole snapshot in one write so readers never see a score next to a different
// violation set.
type CacheStore interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, buildingID string) (model.Snapshot, bool, error)
	Put(ctx context.Context, buildingID string, snap model.Snapshot) error
	Close() error
}

// EventLog is implemented by stores that keep an audit trail of escalation
// events.
type EventLog interface {
	SaveEvent(ctx context.Context, evt model.EscalationEvent) error
}

func NewStore(cfg config.StorageConfig) (CacheStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.DSN, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) get(ctx context.Context, query, buildingID string) (model.Snapshot, bool, error) {
	var raw []byte
	err := b.db.QueryRowContext(ctx, query, buildingID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap, err := decodeSnapshot(raw)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (b *baseStore) init(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func encodeSnapshot(buildingID string, snap model.Snapshot) ([]byte, error) {
	snap.BuildingID = buildingID
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", buildingID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
