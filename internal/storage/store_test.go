package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

func sampleSnapshot(score int) model.Snapshot {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	penalty := int64(50000)
	return model.Snapshot{
		Violations: []model.Violation{{
			ID:             "housing:1",
			BuildingID:     "b1",
			Source:         model.SourceHousing,
			SourceRecordID: "1",
			Severity:       model.SeverityCritical,
			PenaltyCents:   &penalty,
			Status:         model.StatusOpen,
			IssuedAt:       at.AddDate(0, 0, -3),
		}},
		Score:      model.ComplianceScore{BuildingID: "b1", Score: score, Grade: model.GradeD, RiskTier: model.RiskHigh, ComputedAt: at},
		Exposure:   model.FinancialExposure{OutstandingFinesCents: penalty, DailyPenaltyCents: 25000, AsOf: at},
		ComputedAt: at,
		SourceFetchedAt: map[model.SourceAuthority]time.Time{
			model.SourceHousing: at,
		},
	}
}

func exerciseStore(t *testing.T, store CacheStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))

	_, ok, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "b1", sampleSnapshot(65)))
	got, ok, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b1", got.BuildingID)
	assert.Equal(t, 65, got.Score.Score)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, int64(50000), *got.Violations[0].PenaltyCents)
	assert.True(t, got.ComputedAt.Equal(sampleSnapshot(0).ComputedAt))

	require.NoError(t, store.Put(ctx, "b1", sampleSnapshot(40)))
	got, _, err = store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Score.Score)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory()
	exerciseStore(t, store)
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	snap := sampleSnapshot(65)
	require.NoError(t, store.Put(ctx, "b1", snap))
	snap.Violations[0].Status = model.StatusResolved

	got, _, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Violations[0].Status)
}

func TestSQLiteStore(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "cache.db") + "?_pragma=busy_timeout(5000)"
	store, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)

	log, ok := store.(EventLog)
	require.True(t, ok)
	require.NoError(t, log.SaveEvent(context.Background(), model.EscalationEvent{
		ID:         "evt-1",
		BuildingID: "b1",
		From:       model.StateCritical,
		To:         model.StateEmergencyActive,
		At:         time.Now(),
	}))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedis(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
	assert.True(t, mr.Exists("fieldops:snapshot:b1"))

	log := store.(EventLog)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.SaveEvent(context.Background(), model.EscalationEvent{ID: "e", BuildingID: "b1"}))
	}
	items, err := mr.List("fieldops:events")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestNewStoreDrivers(t *testing.T) {
	store, err := NewStore(config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, store)

	_, err = NewStore(config.StorageConfig{Driver: "cassandra"})
	assert.Error(t, err)
}
