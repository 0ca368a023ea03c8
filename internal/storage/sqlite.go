package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"fieldops/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (CacheStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fieldops.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			building_id TEXT PRIMARY KEY,
			computed_at TEXT NOT NULL,
			snapshot_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalation_events (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			building_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT,
			operator TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_events_building ON escalation_events(building_id, ts)`,
	})
}

func (s *sqliteStore) Get(ctx context.Context, buildingID string) (model.Snapshot, bool, error) {
	return s.get(ctx, `SELECT snapshot_json FROM snapshots WHERE building_id = ?`, buildingID)
}

func (s *sqliteStore) Put(ctx context.Context, buildingID string, snap model.Snapshot) error {
	data, err := encodeSnapshot(buildingID, snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (building_id, computed_at, snapshot_json) VALUES (?, ?, ?)
		ON CONFLICT(building_id) DO UPDATE SET computed_at = excluded.computed_at, snapshot_json = excluded.snapshot_json`,
		buildingID,
		snap.ComputedAt.UTC(),
		string(data),
	)
	return err
}

func (s *sqliteStore) SaveEvent(ctx context.Context, evt model.EscalationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_events (id, ts, building_id, from_state, to_state, reason, operator)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.At.UTC(),
		evt.BuildingID,
		evt.From,
		evt.To,
		evt.Reason,
		evt.Operator,
	)
	return err
}
