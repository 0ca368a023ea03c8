package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldops/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (CacheStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/fieldops?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			building_id TEXT PRIMARY KEY,
			computed_at TIMESTAMPTZ NOT NULL,
			snapshot_json JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalation_events (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			building_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT,
			operator TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_events_building ON escalation_events(building_id, ts)`,
	})
}

func (s *postgresStore) Get(ctx context.Context, buildingID string) (model.Snapshot, bool, error) {
	return s.get(ctx, `SELECT snapshot_json FROM snapshots WHERE building_id = $1`, buildingID)
}

func (s *postgresStore) Put(ctx context.Context, buildingID string, snap model.Snapshot) error {
	data, err := encodeSnapshot(buildingID, snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (building_id, computed_at, snapshot_json) VALUES ($1, $2, $3)
		ON CONFLICT (building_id) DO UPDATE SET computed_at = EXCLUDED.computed_at, snapshot_json = EXCLUDED.snapshot_json`,
		buildingID,
		snap.ComputedAt.UTC(),
		string(data),
	)
	return err
}

func (s *postgresStore) SaveEvent(ctx context.Context, evt model.EscalationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_events (id, ts, building_id, from_state, to_state, reason, operator)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID,
		evt.At.UTC(),
		evt.BuildingID,
		string(evt.From),
		string(evt.To),
		evt.Reason,
		evt.Operator,
	)
	return err
}
